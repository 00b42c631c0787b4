package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/cronsd"
	"github.com/simpleframeworks/cronsd/config"
	"github.com/simpleframeworks/cronsd/models"
	"github.com/spf13/cobra"
)

const (
	upcomingFires   = 3
	shutdownTimeout = 5 * time.Second
)

// loadConfig reads the job file, applies flag and environment overrides and then validates it
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbDriver != "" {
		cfg.Database.Driver = o.dbDriver
	}
	if o.dbDSN != "" {
		cfg.Database.DSN = o.dbDSN
	}
	if raw := os.Getenv(envMaxConcurrency); raw != "" {
		max, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || max <= 0 {
			return nil, errors.Errorf("%s must be a positive number, got %q", envMaxConcurrency, raw)
		}
		cfg.MaxConcurrency = max
	}
	if addr := os.Getenv(envMetricsAddr); addr != "" {
		cfg.MetricsAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", o.configPath)
	}
	return cfg, nil
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			db, err := openDB(cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			defer closeDB(db)

			service := cronsd.New(db).Logger(logger)
			if err := cfg.Apply(service); err != nil {
				return err
			}
			if err := service.Up(); err != nil {
				return err
			}

			var server *http.Server
			if cfg.MetricsAddr != "off" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", service.GetMetrics().Handler())
				server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					logger.WithField("Addr", cfg.MetricsAddr).Info("serving metrics")
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.WithError(err).Error("metrics server stopped")
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.WithError(err).Warn("failed to stop metrics server")
				}
			}
			return service.Down()
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the job file and print the next fire times of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSCHEDULE\tATTEMPTS\tTIMEOUT\tNEXT")
			now := time.Now()
			for _, job := range cfg.JobDefs() {
				timeout := "none"
				if job.Timeout > 0 {
					timeout = job.Timeout.String()
				}
				next := "never"
				if fires := job.Schedule.Upcoming(now, upcomingFires); len(fires) > 0 {
					next = ""
					for i, f := range fires {
						if i > 0 {
							next += ", "
						}
						next += f.UTC().Format(time.RFC3339)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", job.Name, job.Schedule, job.MaxAttempts(), timeout, next)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the stored state of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Database.Driver, cfg.Database.DSN, logger)
			if err != nil {
				return err
			}
			defer closeDB(db)

			states, err := cronsd.NewGormStateStore(db).JobStates(cmd.Context())
			if err != nil {
				return err
			}
			return printStates(cmd, states)
		},
	}
}

func printStates(cmd *cobra.Command, states []models.JobState) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tATTEMPTS\tLAST RUN\tNEXT RUN\tLAST ERROR")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			s.Name, s.Status, s.Attempts, formatTimestamp(s.LastRun), formatTimestamp(s.NextRun), s.LastError.String)
	}
	return w.Flush()
}

func formatTimestamp(t models.Timestamp) string {
	if !t.Valid {
		return "-"
	}
	return t.Time.UTC().Format(time.RFC3339)
}
