package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync"
	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/jabolina/go-polysync/pkg/polysync/output"
	"github.com/spf13/cobra"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Devices  int
	Duration time.Duration
	Timeout  time.Duration
	BPM      float64
	Play     bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run devices on an in memory bus",
		Long: `Run a group of devices exchanging frames in memory, with increasing
priorities, then print the status each one reached.

Example:
  polysyncd simulate --devices 3 --duration 5s --play`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := Simulate(cmd.Context(), opts)
			if err != nil {
				return WrapExitError(ExitFailure, "simulation failed", err)
			}
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return p.Print(statuses, formatStatuses(statuses))
		},
	}

	cmd.Flags().IntVarP(&opts.Devices, "devices", "n", 3, "number of devices")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 5*time.Second, "how long the devices run")
	cmd.Flags().DurationVar(&opts.Timeout, "heartbeat-timeout", time.Second, "silence before a negotiation starts")
	cmd.Flags().Float64Var(&opts.BPM, "bpm", 120, "tempo of the devices")
	cmd.Flags().BoolVar(&opts.Play, "play", false, "start the transport once a leader is elected")

	return cmd
}

// Simulate runs the devices for the configured duration and returns
// their last status.
func Simulate(ctx context.Context, opts *SimulateOptions) ([]output.Status, error) {
	if opts.Devices < 1 || opts.Devices > 255 {
		return nil, fmt.Errorf("devices must be in 1 up to 255, got %d", opts.Devices)
	}

	level := hclog.Warn
	if opts.Verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "simulate", Level: level})

	bus := network.NewMemoryBus()
	devices := make([]*polysync.Device, 0, opts.Devices)
	defer func() {
		for _, d := range devices {
			_ = d.Close()
		}
	}()

	for i := 0; i < opts.Devices; i++ {
		config := polysync.Default()
		config.Transport.Kind = polysync.InMemory
		config.DeviceID = fmt.Sprintf("02:00:00:00:00:%02x", i+1)
		config.Priority = uint8(i + 1)
		config.BPM = opts.BPM
		config.HeartbeatTimeout = opts.Timeout
		config.SettleWindow = opts.Timeout / 6
		config.Logger = logger

		d, err := polysync.NewDevice(config, polysync.WithTransport(bus.Join(config.DeviceID)))
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
		if err = d.Start(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	if opts.Play {
		ticker := time.NewTicker(opts.Timeout / 10)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
				if leader := leaderOf(devices); leader != nil {
					leader.Coordinator().Play()
					break wait
				}
			}
		}
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	statuses := make([]output.Status, 0, len(devices))
	for _, d := range devices {
		statuses = append(statuses, d.Status())
	}
	return statuses, nil
}

func leaderOf(devices []*polysync.Device) *polysync.Device {
	for _, d := range devices {
		if d.Coordinator().IsLeader() {
			return d
		}
	}
	return nil
}

func formatStatuses(statuses []output.Status) string {
	var b strings.Builder
	for i, s := range statuses {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s prio=%d %-9s leader=%s running=%t bpm=%.2f counter=%d peers=%d",
			s.ID, s.Priority, s.Role, s.Leader, s.Running, s.EffectiveBPM, s.Counter, len(s.Peers))
	}
	return b.String()
}
