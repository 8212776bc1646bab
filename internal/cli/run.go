package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Priority uint8
	BPM      float64
	Monitor  string
	Announce bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the device",
		Long: `Run a device on the configured multicast group until interrupted.

Flags override the values read from the configuration file.

Example:
  polysyncd run --config device.yaml
  polysyncd run --priority 7 --bpm 96 --monitor :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevice(ctx, config)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "configuration file (yaml or toml)")
	cmd.Flags().Uint8Var(&opts.Priority, "priority", 1, "election priority")
	cmd.Flags().Float64Var(&opts.BPM, "bpm", 120, "tempo at boot")
	cmd.Flags().StringVar(&opts.Monitor, "monitor", "", "address of the http monitor")
	cmd.Flags().BoolVar(&opts.Announce, "announce", false, "announce the device over mdns")

	return cmd
}

func (o *RunOptions) load(cmd *cobra.Command) (*polysync.Config, error) {
	config := polysync.Default()
	if o.Config != "" {
		loaded, err := polysync.LoadConfig(o.Config)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed loading configuration", err)
		}
		config = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("priority") {
		config.Priority = o.Priority
	}
	if flags.Changed("bpm") {
		config.BPM = o.BPM
	}
	if flags.Changed("monitor") {
		config.Sinks.MonitorAddress = o.Monitor
	}
	if flags.Changed("announce") {
		config.Announce = o.Announce
	}
	if o.Verbose {
		config.LogLevel = "DEBUG"
		config.Logger = nil
	}
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "polysyncd",
			Level:  hclog.LevelFromString(config.LogLevel),
			Output: cmd.ErrOrStderr(),
		})
	}

	if err := polysync.ValidateConfig(config); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return config, nil
}

func runDevice(ctx context.Context, config *polysync.Config) error {
	device, err := polysync.NewDevice(config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed creating device", err)
	}
	defer device.Close()

	if err = device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "device stopped", err)
	}
	return nil
}
