package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Ingest.SaveStreamDeltas)
	require.Equal(t, 128, cfg.Import.ChunkSize)
	require.False(t, cfg.JobsSettings().Enabled)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	doc := `
store:
  backend: sqlite
  driver: sqlite
  path: /var/lib/threadsync/sync.db
ingest:
  save-stream-deltas: false
  max-deltas-per-call: 64
  finished-stream-delete-delay: 90s
dispatch:
  lease: 30s
jobs:
  backend: redis
  redis:
    addr: redis:6379
maintenance:
  sweep-interval: 2m
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, syncstore.DriverModernc, cfg.Store.Driver)
	require.False(t, cfg.Ingest.SaveStreamDeltas)
	require.Equal(t, 64, cfg.Ingest.MaxDeltasPerCall)
	require.Equal(t, 90*time.Second, cfg.Ingest.FinishedStreamDeleteDelay)
	require.Equal(t, Default().Ingest.DeltaTTL, cfg.Ingest.DeltaTTL)
	require.Equal(t, 30*time.Second, cfg.Dispatch.Lease)
	require.Equal(t, 2*time.Minute, cfg.Maintenance.SweepInterval)
	require.Equal(t, "debug", cfg.Log.Level)

	s := cfg.JobsSettings()
	require.True(t, s.Enabled)
	require.Equal(t, "redis:6379", s.Addr)
	require.Equal(t, "threadsync-workers", s.Group)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	cfg, err := Load(missing, true)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(missing, false)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	require.Error(t, Decode([]byte("stroe:\n  backend: memory\n"), &cfg))
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"unknown backend": func(c *Config) { c.Store.Backend = "postgres" },
		"missing path":    func(c *Config) { c.Store.Path = "" },
		"unknown driver":  func(c *Config) { c.Store.Driver = "pgx" },
		"unknown jobs":    func(c *Config) { c.Jobs.Backend = "kafka" },
		"negative chunk":  func(c *Config) { c.Import.ChunkSize = -1 },
		"negative lease":  func(c *Config) { c.Dispatch.Lease = -time.Second },
		"log format":      func(c *Config) { c.Log.Format = "xml" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store = StoreConfig{Backend: StoreMemory}
	require.NoError(t, cfg.Validate())
}
