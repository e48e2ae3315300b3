package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "DOWNLOADER_DB_DSN", "DOWNLOADER_MAX_RUNTIME", "DAEMON_SLEEP_TIME_SECONDS")

	cfg := Load()
	if cfg.CatalogDSN != "./urlfetchd.db" {
		t.Errorf("CatalogDSN = %q", cfg.CatalogDSN)
	}
	if cfg.MaxRuntime != 1800*time.Second {
		t.Errorf("MaxRuntime = %s, want 1800s", cfg.MaxRuntime)
	}
	if cfg.DaemonSleep != 60*time.Second {
		t.Errorf("DaemonSleep = %s, want 60s", cfg.DaemonSleep)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t, "DOWNLOADER_MAX_REDIRECTS", "DOWNLOADER_DOMAIN_THROTTLE")
	os.Setenv("DOWNLOADER_MAX_REDIRECTS", "3")
	os.Setenv("DOWNLOADER_DOMAIN_THROTTLE", "10")

	cfg := Load()
	if cfg.MaxRedirects != 3 {
		t.Errorf("MaxRedirects = %d, want 3", cfg.MaxRedirects)
	}
	if cfg.DomainThrottle != 10*time.Second {
		t.Errorf("DomainThrottle = %s, want 10s", cfg.DomainThrottle)
	}
}

func TestGetEnvDurationAcceptsGoDurationSyntax(t *testing.T) {
	clearEnv(t, "DOWNLOADER_MAX_TIMEOUT")
	os.Setenv("DOWNLOADER_MAX_TIMEOUT", "2m")

	cfg := Load()
	if cfg.MaxTimeout != 2*time.Minute {
		t.Errorf("MaxTimeout = %s, want 2m", cfg.MaxTimeout)
	}
}
