package main

import (
	"testing"
	"time"
)

func TestResolveStorageDriver(t *testing.T) {
	tests := []struct {
		name      string
		flagValue string
		envValue  string
		dsn       string
		want      string
	}{
		{name: "defaults to json", want: "json"},
		{name: "flag wins", flagValue: "Postgres", envValue: "json", want: "postgres"},
		{name: "env used when flag empty", envValue: "postgres", want: "postgres"},
		{name: "dsn implies postgres", dsn: "postgres://localhost/clipflow", want: "postgres"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveStorageDriver(tc.flagValue, tc.envValue, tc.dsn)
			if err != nil {
				t.Fatalf("resolveStorageDriver returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("resolveStorageDriver = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveListenAddr(t *testing.T) {
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("production default = %q, want :80", got)
	}
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("development default = %q, want :8080", got)
	}
	if got := resolveListenAddr(":9000", "production", ":7000"); got != ":9000" {
		t.Fatalf("flag override = %q, want :9000", got)
	}
	if got := resolveListenAddr("", "development", ":7000"); got != ":7000" {
		t.Fatalf("env override = %q, want :7000", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a , ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v, want [a b]", got)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("blank input should return nil")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "CLIPFLOW_TEST_UNSET", time.Minute); got != 5*time.Second {
		t.Fatalf("flag value = %v, want 5s", got)
	}
	t.Setenv("CLIPFLOW_TEST_DURATION", "90s")
	if got := resolveDuration(0, "CLIPFLOW_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("env value = %v, want 90s", got)
	}
	if got := resolveDuration(0, "CLIPFLOW_TEST_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("fallback = %v, want 1m", got)
	}
}
