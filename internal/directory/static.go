// Package directory resolves reviewer roles to users from static configuration.
package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/juniap-tecnots/contentflow/pkg/service"
)

// Static is a fixed role -> users table. Tasks for a role are handed out round-robin.
type Static struct {
	mu    sync.Mutex
	roles map[string][]string
	next  map[string]int
}

func NewStatic(roles map[string][]string) *Static {
	s := &Static{roles: make(map[string][]string, len(roles)), next: make(map[string]int)}
	for role, users := range roles {
		var kept []string
		for _, u := range users {
			if u != "" {
				kept = append(kept, u)
			}
		}
		if len(kept) > 0 {
			s.roles[role] = kept
		}
	}
	return s
}

func (s *Static) ResolveAssignee(_ context.Context, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.roles[role]
	if len(users) == 0 {
		return "", &service.NotFoundError{Kind: "role", ID: role}
	}
	i := s.next[role] % len(users)
	s.next[role] = i + 1
	return users[i], nil
}

func (s *Static) HasRole(_ context.Context, user, role string) (bool, error) {
	for _, u := range s.roles[role] {
		if u == user {
			return true, nil
		}
	}
	return false, nil
}

// Roles lists the configured roles in name order.
func (s *Static) Roles() []string {
	roles := make([]string, 0, len(s.roles))
	for r := range s.roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
