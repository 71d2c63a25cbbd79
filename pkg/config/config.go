// Package config loads the threadsync.yaml configuration file.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/threadsync/pkg/dispatch"
	"github.com/go-go-golems/threadsync/pkg/importer"
	"github.com/go-go-golems/threadsync/pkg/ingest"
	"github.com/go-go-golems/threadsync/pkg/maintenance"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
	"github.com/go-go-golems/threadsync/pkg/redisstream"
	"github.com/go-go-golems/threadsync/pkg/streams"
)

const DefaultFileName = "threadsync.yaml"

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	JobsGoChannel = "gochannel"
	JobsRedis     = "redis"
)

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Driver is sqlite3 (cgo) or sqlite (pure Go).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type DispatchConfig struct {
	Lease      time.Duration `yaml:"lease"`
	ClaimOwner string        `yaml:"claim-owner"`
	// RunnerURL is the runtime bridge that claimed turns are posted to.
	// Without it serve queues dispatches but never drains them.
	RunnerURL     string        `yaml:"runner-url"`
	RunnerTimeout time.Duration `yaml:"runner-timeout"`
}

type ImportConfig struct {
	ChunkSize   int `yaml:"chunk-size"`
	Concurrency int `yaml:"concurrency"`
}

type ReplayConfig struct {
	MaxDeltasPerStreamRead  int `yaml:"max-deltas-per-stream-read"`
	MaxDeltasPerRequestRead int `yaml:"max-deltas-per-request-read"`
}

type JobsConfig struct {
	Backend string               `yaml:"backend"`
	Redis   redisstream.Settings `yaml:"redis"`
}

type MaintenanceConfig struct {
	SweepInterval   time.Duration `yaml:"sweep-interval"`
	StaleSessionAge time.Duration `yaml:"stale-session-age"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Ingest      ingest.Options    `yaml:"ingest"`
	Replay      ReplayConfig      `yaml:"replay"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Import      ImportConfig      `yaml:"import"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: StoreSQLite,
			Driver:  syncstore.DriverMattn,
			Path:    "threadsync.db",
		},
		Ingest: ingest.DefaultOptions(),
		Replay: ReplayConfig{
			MaxDeltasPerStreamRead:  streams.DefaultMaxDeltasPerStreamRead,
			MaxDeltasPerRequestRead: streams.DefaultMaxDeltasPerRequestRead,
		},
		Dispatch: DispatchConfig{
			Lease:         dispatch.DefaultLease,
			ClaimOwner:    "threadsync",
			RunnerTimeout: dispatch.DefaultWebhookTimeout,
		},
		Import: ImportConfig{
			ChunkSize:   importer.DefaultChunkSize,
			Concurrency: 1,
		},
		Jobs: JobsConfig{
			Backend: JobsGoChannel,
			Redis:   redisstream.DefaultSettings(),
		},
		Maintenance: MaintenanceConfig{
			SweepInterval:   maintenance.DefaultSweepInterval,
			StaleSessionAge: maintenance.DefaultStaleSessionAge,
		},
		Server: ServerConfig{Addr: ":8090"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over Default. A missing file yields the defaults when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	if err := Decode(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: %s", path)
	}
	return cfg, nil
}

// Decode overlays the YAML document b on cfg. Unknown keys are rejected.
func Decode(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, "config: decode yaml")
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("config: store.path is required for the sqlite backend")
		}
		if c.Store.Driver != syncstore.DriverMattn && c.Store.Driver != syncstore.DriverModernc {
			return errors.Errorf("config: unknown store.driver %q", c.Store.Driver)
		}
	default:
		return errors.Errorf("config: unknown store.backend %q", c.Store.Backend)
	}
	switch c.Jobs.Backend {
	case JobsGoChannel, JobsRedis:
	default:
		return errors.Errorf("config: unknown jobs.backend %q", c.Jobs.Backend)
	}
	if c.Ingest.MaxDeltasPerCall < 0 {
		return errors.New("config: ingest.max-deltas-per-call must not be negative")
	}
	if c.Import.ChunkSize < 0 || c.Import.Concurrency < 0 {
		return errors.New("config: import.chunk-size and import.concurrency must not be negative")
	}
	if c.Replay.MaxDeltasPerStreamRead < 0 || c.Replay.MaxDeltasPerRequestRead < 0 {
		return errors.New("config: replay limits must not be negative")
	}
	if c.Dispatch.Lease < 0 || c.Dispatch.RunnerTimeout < 0 {
		return errors.New("config: dispatch durations must not be negative")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// JobsSettings returns the Redis Streams settings with the transport
// switched on when the redis backend is selected.
func (c Config) JobsSettings() redisstream.Settings {
	s := c.Jobs.Redis
	s.Enabled = c.Jobs.Backend == JobsRedis
	return s.Normalize()
}
