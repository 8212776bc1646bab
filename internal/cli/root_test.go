package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jabolina/go-polysync/pkg/polysync/output"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"github.com/jabolina/go-polysync/pkg/polysync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "polysyncd", cmd.Use)
	assert.Contains(t, cmd.Long, "leader")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "decode", "euclid", "simulate", "discover"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	configFlag := runCmd.Flags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"priority", "bpm", "monitor", "announce"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "euclid", "8", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRunMissingConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", "does-not-exist.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := WrapExitError(ExitCommandError, "bad input", errors.New("cause"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "bad input: cause", wrapped.Error())
	assert.Equal(t, "alone", (&ExitError{Code: 1, Message: "alone"}).Error())
}

func TestEuclid(t *testing.T) {
	for _, tc := range []struct {
		n, k  int
		steps string
	}{
		{n: 8, k: 3, steps: "x..x..x."},
		{n: 4, k: 4, steps: "xxxx"},
		{n: 5, k: 0, steps: "x...."},
		{n: 3, k: 9, steps: "xxx"},
	} {
		assert.Equal(t, tc.steps, Euclid(tc.n, tc.k).Steps, "E(%d,%d)", tc.k, tc.n)
	}
}

func TestEuclidCommand(t *testing.T) {
	out, err := execute(t, "euclid", "8", "3")
	require.NoError(t, err)
	assert.Equal(t, "x..x..x.\n", out)

	out, err = execute(t, "--format", "json", "euclid", "8", "3")
	require.NoError(t, err)
	var r Rhythm
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, Rhythm{Beats: 8, Pulses: 3, Pattern: 0b01001001, Steps: "x..x..x."}, r)

	_, err = execute(t, "euclid", "17", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "euclid", "eight", "3")
	require.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	frame, err := wire.Encode(types.Message{
		Header: types.Header{
			Type:      types.BeatMessage,
			Sequence:  7,
			Priority:  5,
			Sender:    types.DeviceID{0x02, 0, 0, 0, 0, 0x01},
			Timestamp: 1_000_000,
		},
		Payload: types.BeatPayload{BPM: 120, Position: 2, Multiplier: 2},
	})
	require.NoError(t, err)

	decoded, err := DecodeFrame(hex.EncodeToString(frame))
	require.NoError(t, err)
	assert.Equal(t, "BEAT", decoded.Type)
	assert.Equal(t, uint32(7), decoded.Sequence)
	assert.Equal(t, types.BeatPayload{BPM: 120, Position: 2, Multiplier: 2}, decoded.Payload)

	pairs := make([]string, 0, len(frame))
	for _, b := range frame {
		pairs = append(pairs, hex.EncodeToString([]byte{b}))
	}
	spaced := strings.Join(pairs, ":")
	out, err := execute(t, "decode", spaced)
	require.NoError(t, err)
	assert.Contains(t, out, "BEAT seq=7 from=02:00:00:00:00:01/5")

	_, err = execute(t, "decode", "0102")
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrFrameSize)

	_, err = execute(t, "decode", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulateElectsHighestPriority(t *testing.T) {
	if testing.Short() {
		t.Skip("runs devices in real time")
	}

	statuses, err := Simulate(context.Background(), &SimulateOptions{
		RootOptions: &RootOptions{Format: "text"},
		Devices:     3,
		Duration:    1500 * time.Millisecond,
		Timeout:     300 * time.Millisecond,
		BPM:         120,
		Play:        true,
	})
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	var leaders []output.Status
	for _, s := range statuses {
		if s.Role == types.Leader {
			leaders = append(leaders, s)
		}
	}
	require.Len(t, leaders, 1)
	assert.Equal(t, uint8(3), leaders[0].Priority)
	for _, s := range statuses {
		assert.Equal(t, leaders[0].ID, s.Leader)
		assert.True(t, s.Running, "%s runs with the leader", s.ID)
	}

	_, err = Simulate(context.Background(), &SimulateOptions{RootOptions: &RootOptions{}, Devices: 0})
	assert.Error(t, err)
}
