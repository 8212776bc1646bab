package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/spf13/cobra"
)

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:           "discover",
		Short:         "List the devices announced over mdns",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var mutex sync.Mutex
			var found []network.Discovered
			err := network.Discover(ctx, func(d network.Discovered) {
				mutex.Lock()
				defer mutex.Unlock()
				found = append(found, d)
			})
			if err != nil {
				return WrapExitError(ExitFailure, "discovery failed", err)
			}

			mutex.Lock()
			defer mutex.Unlock()
			lines := make([]string, 0, len(found))
			for _, d := range found {
				lines = append(lines, fmt.Sprintf("%s %s:%d %s", d.Instance, d.Host, d.Port, strings.Join(d.Text, " ")))
			}
			if len(lines) == 0 {
				lines = append(lines, "no devices found")
			}
			p := &Printer{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return p.Print(found, strings.Join(lines, "\n"))
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to browse")
	return cmd
}
