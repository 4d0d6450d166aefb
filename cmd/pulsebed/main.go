// Command pulsebed runs the generative sleep soundscape: it keeps a ring
// connected, turns its telemetry into vitals and drives the audio
// scheduler and vibration companion from them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pulsebed/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pulsebed",
		Short: "Heart-rate driven sleep soundscape",
		Long: `pulsebed connects to a smart ring, estimates heart rate from its PPG
stream and schedules overlapping ambient audio segments that slow down as
the wearer settles.

Run "pulsebed run --ring=sim --tone" to try it without hardware.`,
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunCmd(),
		newDecodeCmd(),
		newMigrateCmd(),
		newStatusCmd(),
		newEngineCmd("start"),
		newEngineCmd("stop"),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pulsebed "+version.String())
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
