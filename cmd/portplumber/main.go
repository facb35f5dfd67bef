package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dghilardi/port-plumber/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	config.SetDefaults(v)

	cmd := &cobra.Command{
		Use:           "portplumber",
		Short:         "Binds loopback ports and starts the processes behind them on first connection",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadSettings(v)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			logger, err := newLogger(settings.LogLevel, settings.LogFormat)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if err := run(cmd.Context(), settings, logger); err != nil {
				logger.WithError(err).Fatal("Port plumber failed")
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", v.GetString("config"), "plumbing configuration file")
	flags.String("socket", v.GetString("socket"), "control socket path")
	flags.String("log-level", v.GetString("log_level"), "log level (trace, debug, info, warn, error)")
	flags.String("log-format", v.GetString("log_format"), "log format (text, json)")
	flags.String("dns-listen", v.GetString("dns_listen"), "UDP address of the DNS front-end, disabled when empty")
	flags.Duration("idle-timeout", v.GetDuration("idle_timeout"), "stop a resource after this long without connections")
	flags.Duration("accept-timeout", v.GetDuration("accept_timeout"), "how often the idle check runs on a quiet listener")
	flags.Duration("stop-grace", v.GetDuration("stop_grace"), "time between SIGTERM and SIGKILL when stopping a resource")
	for key, flag := range map[string]string{
		"config":         "config",
		"socket":         "socket",
		"log_level":      "log-level",
		"log_format":     "log-format",
		"dns_listen":     "dns-listen",
		"idle_timeout":   "idle-timeout",
		"accept_timeout": "accept-timeout",
		"stop_grace":     "stop-grace",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newCheckCmd(v))
	return cmd
}

// newCheckCmd validates the plumbing file without binding anything.
func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the plumbing configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := v.GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range cfg.Keys() {
				fmt.Fprintf(out, "%-8s %s\n", cfg.Plumbing[key].Kind, key)
			}
			fmt.Fprintf(out, "%s: %d plumbing entries ok\n", path, len(cfg.Plumbing))
			return nil
		},
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return logger, nil
}
