package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	envConfig         = "CRONSD_CONFIG"
	envDBDriver       = "CRONSD_DB_DRIVER"
	envDBDSN          = "CRONSD_DB_DSN"
	envMaxConcurrency = "CRONSD_MAX_CONCURRENCY"
	envMetricsAddr    = "CRONSD_METRICS_ADDR"

	defaultConfigPath = "cronsd.yaml"
)

// options are the flags shared by every command
type options struct {
	configPath string
	logLevel   string
	logFormat  string
	dbDriver   string
	dbDSN      string
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "cronsd",
		Short:         "cronsd runs cron jobs across many instances sharing one database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", envOr(envConfig, defaultConfigPath), "job file ($"+envConfig+")")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.dbDriver, "db-driver", os.Getenv(envDBDriver), "database driver, overrides the job file ($"+envDBDriver+")")
	flags.StringVar(&opts.dbDSN, "db-dsn", os.Getenv(envDBDSN), "database dsn, overrides the job file ($"+envDBDSN+")")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	return root
}

// logger builds the logger selected by the flags
func (o *options) logger() (logc.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	log.SetLevel(level)

	switch strings.ToLower(o.logFormat) {
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log-format %q", o.logFormat)
	}
	return logc.NewLogrus(log), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
