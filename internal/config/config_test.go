package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/inbox-sync/internal/inbox"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StoreSQLite || cfg.FeedDriver != FeedNATS {
		t.Errorf("expected sqlite and nats drivers, got %s and %s", cfg.StoreDriver, cfg.FeedDriver)
	}
	if cfg.Inbox.PageSize != 20 || cfg.Inbox.SearchWindow != 500 {
		t.Errorf("unexpected inbox defaults %+v", cfg.Inbox)
	}
	if cfg.Inbox.ErrorBuffer != 32 || cfg.Inbox.ErrorBuffer != inbox.DefaultErrorBuffer {
		t.Errorf("expected error buffer 32 matching the engine default, got %d", cfg.Inbox.ErrorBuffer)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("expected 30m idle timeout, got %v", cfg.SessionIdleTimeout)
	}
}

func TestLoadEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://inbox@localhost/inbox")
	t.Setenv("FEED_DRIVER", "amqp")
	t.Setenv("INBOX_PAGE_SIZE", "50")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("TRACING_ENABLED", "not-a-bool")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != StorePostgres || cfg.FeedDriver != FeedAMQP {
		t.Errorf("expected postgres and amqp, got %s and %s", cfg.StoreDriver, cfg.FeedDriver)
	}
	if cfg.Inbox.PageSize != 50 {
		t.Errorf("expected page size 50, got %d", cfg.Inbox.PageSize)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("expected 30s window, got %v", cfg.RateLimitWindow)
	}
	if cfg.TracingEnabled {
		t.Error("expected unparsable bool to fall back to default")
	}
}

func TestLoadInboxFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "inbox.yaml")
	if err := os.WriteFile(path, []byte("page_size: 25\nthread_limit: 50\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("INBOX_CONFIG_FILE", path)
	t.Setenv("INBOX_PAGE_SIZE", "40")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Inbox.PageSize != 25 || cfg.Inbox.ThreadLimit != 50 {
		t.Errorf("expected file values to win, got %+v", cfg.Inbox)
	}
	if cfg.Inbox.SearchWindow != 500 {
		t.Errorf("expected untouched keys to keep defaults, got %d", cfg.Inbox.SearchWindow)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			StoreDriver: StoreSQLite,
			SQLitePath:  "inbox.db",
			FeedDriver:  FeedNATS,
			NATSURL:     "nats://localhost:4222",
			JWTSecret:   "secret",
			Inbox:       Inbox{PageSize: 20, SearchWindow: 500},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.StoreDriver = "mysql" }, "STORE_DRIVER"},
		{"postgres without url", func(c *Config) { c.StoreDriver = StorePostgres }, "DATABASE_URL"},
		{"unknown feed", func(c *Config) { c.FeedDriver = "kafka" }, "FEED_DRIVER"},
		{"amqp without url", func(c *Config) { c.FeedDriver = FeedAMQP }, "AMQP_URL"},
		{"zero page size", func(c *Config) { c.Inbox.PageSize = 0 }, "page size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
