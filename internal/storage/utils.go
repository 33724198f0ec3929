package storage

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// InitStore connects to Postgres, retrying while the database is still coming up.
func InitStore(dbConnStr string, maxWait time.Duration) (*PostgresStore, error) {
	if maxWait <= 0 {
		maxWait = 15 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	var store *PostgresStore
	err := backoff.Retry(func() error {
		var err error
		store, err = NewPostgresStore(dbConnStr)
		return err
	}, b)
	if err != nil {
		return nil, err
	}
	return store, nil
}
