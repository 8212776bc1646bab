package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/jabolina/go-polysync/pkg/polysync/wire"
	"github.com/spf13/cobra"
)

// DecodedFrame is the printable form of a frame.
type DecodedFrame struct {
	Type      string         `json:"type"`
	Sequence  uint32         `json:"sequence"`
	Sender    types.DeviceID `json:"sender"`
	Priority  uint8          `json:"priority"`
	Timestamp uint64         `json:"timestamp"`
	Payload   types.Payload  `json:"payload"`
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a captured frame",
		Long: `Decode a frame captured from the link, given as hexadecimal.
Spaces and colons between the bytes are ignored.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := DecodeFrame(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed decoding frame", err)
			}
			p := &Printer{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return p.Print(frame, fmt.Sprintf("%s seq=%d from=%s/%d ts=%d %+v",
				frame.Type, frame.Sequence, frame.Sender, frame.Priority, frame.Timestamp, frame.Payload))
		},
	}
}

// DecodeFrame parses the hexadecimal text of a frame.
func DecodeFrame(text string) (DecodedFrame, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(text)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return DecodedFrame{}, err
	}
	m, err := wire.Decode(data)
	if err != nil {
		return DecodedFrame{}, err
	}
	return DecodedFrame{
		Type:      m.Type.String(),
		Sequence:  m.Sequence,
		Sender:    m.Sender,
		Priority:  m.Priority,
		Timestamp: m.Timestamp,
		Payload:   m.Payload,
	}, nil
}
