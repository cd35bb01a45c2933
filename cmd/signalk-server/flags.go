package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// envAnnotation names the environment variable a flag falls back to.
const envAnnotation = "signalk_env"

// options are the command-line settings. Empty log fields leave the
// logging section of the config file alone.
type options struct {
	configPath      string
	logLevel        string
	logFormat       string
	logFile         string
	debug           bool
	shutdownTimeout time.Duration
	validateOnly    bool
}

func newRootCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Signal K delta server",
		Long: `Receives Signal K deltas from providers, keeps the full data model of
the vessel and its neighbours, and streams it to WebSocket clients.`,
		Example: `  # Run with a settings file
  ` + appName + ` --config=/etc/signalk/settings.yaml

  # Debug logging in text format
  ` + appName + ` --debug --log-format=text

  # Override the vessel identity from the environment
  SIGNALK_SELF_ID=urn:mrn:imo:mmsi:230099999 ` + appName + `

  # Check the configuration and exit
  ` + appName + ` --validate`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			return o.check()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), o)
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}} (build %s)\n", BuildTime))

	fs := cmd.Flags()
	fs.SortFlags = false
	fs.StringVarP(&o.configPath, "config", "c", "settings.json", "configuration file, JSON or YAML")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "", "json or text")
	fs.StringVar(&o.logFile, "log-file", "", "write logs to a rotated file instead of stdout")
	fs.BoolVar(&o.debug, "debug", false, "shorthand for --log-level=debug")
	fs.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for components to stop")
	fs.BoolVar(&o.validateOnly, "validate", false, "check the configuration and exit")

	for flag, env := range map[string]string{
		"config":           "SIGNALK_CONFIG",
		"log-format":       "SIGNALK_LOG_FORMAT",
		"debug":            "SIGNALK_DEBUG",
		"shutdown-timeout": "SIGNALK_SHUTDOWN_TIMEOUT",
	} {
		_ = fs.SetAnnotation(flag, envAnnotation, []string{env})
		f := fs.Lookup(flag)
		f.Usage += " (env " + env + ")"
	}
	return cmd
}

// applyEnv fills every flag not given on the command line from its
// environment variable.
func applyEnv(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		names := f.Annotations[envAnnotation]
		if err != nil || f.Changed || len(names) == 0 {
			return
		}
		v, ok := os.LookupEnv(names[0])
		if !ok || v == "" {
			return
		}
		if setErr := f.Value.Set(v); setErr != nil {
			err = fmt.Errorf("%s=%q: %w", names[0], v, setErr)
		}
	})
	return err
}

func (o *options) check() error {
	if o.debug {
		o.logLevel = "debug"
	}
	if _, err := os.Stat(o.configPath); err != nil {
		return fmt.Errorf("config file not found: %s", o.configPath)
	}
	if o.logLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, o.logLevel) {
		return fmt.Errorf("invalid log level: %s", o.logLevel)
	}
	if o.logFormat != "" && !slices.Contains([]string{"json", "text"}, o.logFormat) {
		return fmt.Errorf("invalid log format: %s", o.logFormat)
	}
	if o.shutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", o.shutdownTimeout)
	}
	return nil
}
