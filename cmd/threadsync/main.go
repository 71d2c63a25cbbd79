package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/threadsync/pkg/config"
	"github.com/go-go-golems/threadsync/pkg/model"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	storePath  string

	tenantID string
	userID   string
	deviceID string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:           "threadsync",
	Short:         "threadsync persists and replays agent runtime threads",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultFileName, "Path to the YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text or json)")
	pf.StringVar(&flags.storePath, "store-path", "", "SQLite database path, overrides store.path")
	pf.StringVar(&flags.tenantID, "tenant", "default", "Tenant the command acts for")
	pf.StringVar(&flags.userID, "user", "", "User the command acts for")
	pf.StringVar(&flags.deviceID, "device", "cli", "Device the command acts from")

	rootCmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newImportCmd(),
		newDispatchCmd(),
		newReplayCmd(),
		newSweepCmd(),
		newDeleteCmd(),
		newStreamTimeoutCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("threadsync failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and sets up the
// global logger. A missing file is fine when --config was not given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	optional := !cmd.Flags().Changed("config")
	cfg, err := config.Load(flags.configPath, optional)
	if err != nil {
		return config.Config{}, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.storePath != "" {
		cfg.Store.Path = flags.storePath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	initLogger(cfg.Log)
	return cfg, nil
}

func initLogger(c config.LogConfig) {
	zerolog.SetGlobalLevel(parseZerologLevel(c.Level))
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// parseZerologLevel converts a string level into zerolog.Level with a safe default
func parseZerologLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "info":
		fallthrough
	default:
		return zerolog.InfoLevel
	}
}

func actorFromFlags() (model.Actor, error) {
	if strings.TrimSpace(flags.userID) == "" {
		return model.Actor{}, errors.New("--user is required")
	}
	return model.Actor{TenantID: flags.tenantID, UserID: flags.userID, DeviceID: flags.deviceID}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
