package config

import "testing"

func TestDatabaseConfigDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "arabia",
		Password: "secret",
		Database: "shamela",
		SSLMode:  "require",
	}

	want := "host=db.internal port=5433 user=arabia password=secret dbname=shamela sslmode=require"
	if got := cfg.DSN(); got != want {
		t.Errorf("unexpected DSN:\ngot  %q\nwant %q", got, want)
	}
}

func TestRedisConfigAddr(t *testing.T) {
	cfg := RedisConfig{Host: "cache.internal", Port: 6380}
	if got := cfg.Addr(); got != "cache.internal:6380" {
		t.Errorf("unexpected addr %q", got)
	}
}
