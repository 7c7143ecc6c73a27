package storage

import "testing"

func TestNewPostgres_RequiresDSN(t *testing.T) {
	if _, err := NewPostgres(PostgresConfig{}); err == nil {
		t.Fatal("expected an error for an empty DSN")
	}
}
