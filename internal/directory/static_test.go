package directory

import (
	"context"
	"testing"

	"github.com/juniap-tecnots/contentflow/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticRoundRobin(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(map[string][]string{"editor": {"bob", "carol"}, "legal": {"dana"}, "empty": {""}})

	var got []string
	for i := 0; i < 3; i++ {
		u, err := d.ResolveAssignee(ctx, "editor")
		require.NoError(t, err)
		got = append(got, u)
	}
	assert.Equal(t, []string{"bob", "carol", "bob"}, got)
	assert.Equal(t, []string{"editor", "legal"}, d.Roles())
}

func TestStaticUnknownRole(t *testing.T) {
	d := NewStatic(map[string][]string{"empty": {""}})

	_, err := d.ResolveAssignee(context.Background(), "empty")
	var nf *service.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "role", nf.Kind)
}

func TestStaticHasRole(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(map[string][]string{"legal": {"dana"}})

	ok, err := d.HasRole(ctx, "dana", "legal")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.HasRole(ctx, "bob", "legal")
	require.NoError(t, err)
	assert.False(t, ok)
}
