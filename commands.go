package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"device-client-coap/config"
	"device-client-coap/observability"
	"device-client-coap/storage"
)

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	DeviceID   string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "collision-monitor",
		Short: "Collision monitor device for nRF Cloud",
		Long: `Reports collision hits and accelerometer tilt to nRF Cloud over CoAP/DTLS
and exposes an LED and an execute function for remote control.

Hold the user button during boot (board.button_pressed) to format the
storage and change the device identity.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device-id", "", "device id, overrides device.id")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newResourcesCommand(opts))
	cmd.AddCommand(newFormatCommand(opts))
	return cmd
}

// load reads the config file if one was given and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}
	if o.DeviceID != "" {
		cfg.Device.ID = o.DeviceID
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := observability.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return observability.NewLogger(w, level, cfg.Log.Format, uuid.NewString()), nil
}

func newResourcesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "resources",
		Short:         "Print the resources the device registers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			return printResources(cmd.OutOrStdout())
		},
	}
}

func newFormatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "format",
		Short:         "Erase the stored identity and resource values",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Format(cmd.Context()); err != nil {
				return fmt.Errorf("failed to format storage: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Formatted %s\n", cfg.Storage.Path)
			return nil
		},
	}
}
