package redisstream

import "strings"

// Settings holds Redis Streams transport configuration for the job bus.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// Stream is the Redis stream backing the job topic.
	Stream string `yaml:"stream"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "threadsync-workers",
		Consumer: "worker-1",
		Stream:   "threadsync.jobs",
	}
}

// Normalize fills empty fields from DefaultSettings.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if strings.TrimSpace(s.Addr) == "" {
		s.Addr = d.Addr
	}
	if strings.TrimSpace(s.Group) == "" {
		s.Group = d.Group
	}
	if strings.TrimSpace(s.Consumer) == "" {
		s.Consumer = d.Consumer
	}
	if strings.TrimSpace(s.Stream) == "" {
		s.Stream = d.Stream
	}
	return s
}
