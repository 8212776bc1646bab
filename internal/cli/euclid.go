package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jabolina/go-polysync/pkg/polysync/pattern"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/spf13/cobra"
)

// Rhythm is a generated euclidean pattern.
type Rhythm struct {
	Beats   int    `json:"beats"`
	Pulses  int    `json:"pulses"`
	Pattern uint16 `json:"pattern"`
	Steps   string `json:"steps"`
}

// NewEuclidCommand creates the euclid command.
func NewEuclidCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "euclid <beats> <pulses>",
		Short: "Print an euclidean rhythm",
		Long: `Print the pattern spreading the pulses as evenly as possible over
the beats of a bar, as the devices generate it.

Example:
  polysyncd euclid 8 3    # x..x..x.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid beats", err)
			}
			k, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid pulses", err)
			}
			if n < 1 || n > types.MaxBeats {
				return WrapExitError(ExitCommandError, fmt.Sprintf("beats must be in 1 up to %d", types.MaxBeats), nil)
			}
			r := Euclid(n, k)
			p := &Printer{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return p.Print(r, r.Steps)
		},
	}
}

// Euclid generates the rhythm. The pulses are clamped to 1 up to n.
func Euclid(n, k int) Rhythm {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	bits := pattern.Euclidean(n, k)
	var steps strings.Builder
	for i := 0; i < n; i++ {
		if bits&(1<<i) != 0 {
			steps.WriteByte('x')
		} else {
			steps.WriteByte('.')
		}
	}
	return Rhythm{Beats: n, Pulses: k, Pattern: bits, Steps: steps.String()}
}
