package secdb

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/fault"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestQueryTableUnknown(t *testing.T) {
	s := &Store{}
	_, err := s.QueryTable(context.Background(), "default", "sessions", 10)
	if err == nil {
		t.Fatal("expected error for unknown table")
	}
	if !fault.IsKind(err, fault.ExecutionError) {
		t.Fatalf("kind = %v, want execution_error", fault.KindOf(err))
	}
}

func TestRenderHosts(t *testing.T) {
	out := renderHosts("default", []Host{
		{Address: "10.0.0.5", Name: "target01", State: "alive", OSName: "Linux", OSFlavor: "Ubuntu", Purpose: "server", Info: "first\nline"},
		{Address: "10.0.0.9", State: "alive"},
	})
	for _, want := range []string{"ADDRESS", "10.0.0.5", "target01", "Linux Ubuntu", "first line", `2 hosts in workspace "default"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEmpty(t *testing.T) {
	out := renderServices("demo", nil)
	if out != `No services recorded in workspace "demo".` {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderCredsStripsTypePrefix(t *testing.T) {
	out := renderCreds("default", []Cred{
		{Username: "root", Private: "toor", PrivateType: "Metasploit::Credential::Password"},
	})
	if !strings.Contains(out, "Password") || strings.Contains(out, "Metasploit::Credential") {
		t.Fatalf("type not stripped:\n%s", out)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, defaultQueryLimit},
		{-3, defaultQueryLimit},
		{25, 25},
		{maxQueryLimit + 1, maxQueryLimit},
	}
	for _, c := range cases {
		if got := clampLimit(c.in); got != c.want {
			t.Errorf("clampLimit(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

// TestStoreIntegration exercises the real queries against a live Metasploit
// database. Set MSFAILAB_TEST_SECDB_DSN to run it.
func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("MSFAILAB_TEST_SECDB_DSN")
	if dsn == "" {
		t.Skip("MSFAILAB_TEST_SECDB_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := newStore(ctx, dsn, 2, newTestLogger(t))
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	defer store.Close()

	totals, err := store.Counts(ctx, "default")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if len(totals) != len(Tables) {
		t.Fatalf("totals = %v, want %d tables", totals, len(Tables))
	}

	for _, table := range Tables {
		if _, err := store.QueryTable(ctx, "default", table, 5); err != nil {
			t.Errorf("QueryTable(%s): %v", table, err)
		}
	}
}
