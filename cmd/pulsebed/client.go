package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pulsebed/internal/api"
	"github.com/banshee-data/pulsebed/internal/engine"
	"github.com/banshee-data/pulsebed/internal/httputil"
)

const defaultServer = "http://localhost:8080"

// newStatusCmd prints the status of a running `pulsebed run`.
func newStatusCmd() *cobra.Command {
	var server string
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running pulsebed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status api.StatusResponse
			if err := httputil.NewClient(server, nil).GetJSON(cmd.Context(), "/api/status", &status); err != nil {
				return err
			}
			if raw {
				b, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			printStatus(cmd, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "base URL of the pulsebed API")
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON response")
	return cmd
}

func printStatus(cmd *cobra.Command, s api.StatusResponse) {
	fmt.Fprintf(cmd.OutOrStdout(), "engine:    %s\n", engineLine(s.Engine))
	if v := s.Vitals; v != nil {
		hr := "unknown"
		if v.HeartRateSet {
			hr = fmt.Sprintf("%d bpm", v.HeartRate)
			if v.Derived {
				hr += " (derived)"
			}
			if v.Stale {
				hr += " (stale)"
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "heart:     %s\n", hr)
		fmt.Fprintf(cmd.OutOrStdout(), "motion:    %.2f g\n", v.Motion)
		if v.Battery != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "battery:   %d%%\n", *v.Battery)
		}
	}
	if r := s.Ring; r != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "ring:      connected=%v streaming=%v frames=%d\n", r.Connected, r.Streaming, r.Stats.Frames)
	}
	if c := s.Companion; c != nil {
		battery := "unknown"
		if c.BatteryOK {
			battery = fmt.Sprintf("%d%%", c.Battery)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "companion: mode %d, battery %s\n", c.Mode, battery)
	}
}

func engineLine(s engine.Status) string {
	line := fmt.Sprintf("%s, %d voices, %d tracks", s.State, s.ActiveVoices, s.LibrarySize)
	if s.Bed != nil {
		line += fmt.Sprintf(", bed %s at %.2fx", s.Bed.Track, s.Bed.Rate)
	}
	return line
}

// newEngineCmd builds the start and stop commands, which post to
// /api/engine/<action> on a running pulsebed.
func newEngineCmd(action string) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   action,
		Short: fmt.Sprintf("Ask a running pulsebed to %s the soundscape", action),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status engine.Status
			if err := httputil.NewClient(server, nil).PostJSON(cmd.Context(), "/api/engine/"+action, nil, &status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engine: %s\n", engineLine(status))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "base URL of the pulsebed API")
	return cmd
}
