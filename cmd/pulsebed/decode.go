package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pulsebed/internal/linkmux"
	"github.com/banshee-data/pulsebed/internal/protocol"
	"github.com/banshee-data/pulsebed/internal/telemetry"
	"github.com/banshee-data/pulsebed/internal/timeutil"
	"github.com/banshee-data/pulsebed/internal/vitals"
)

// decodedFrame is one line of `pulsebed decode --json` output.
type decodedFrame struct {
	Frame   int               `json:"frame"`
	Channel string            `json:"channel"`
	Hex     string            `json:"hex"`
	Error   string            `json:"error,omitempty"`
	Control *controlSummary   `json:"control,omitempty"`
	Events  []telemetryRecord `json:"events,omitempty"`
}

type controlSummary struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type telemetryRecord struct {
	Kind  string          `json:"kind"`
	Event telemetry.Event `json:"event"`
}

func newDecodeCmd() *cobra.Command {
	var (
		asJSON   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "decode [frame...]",
		Short: "Decode ring frames from arguments or stdin",
		Long: `decode prints the telemetry carried by ring frames. Frames use the replay
format: "S:<hex>" for settings frames, "C:<hex>" for control frames, or bare
hex for a settings frame. With no arguments frames are read from stdin, one
per line.

Raw PPG frames are fed through the heart rate estimator as if they arrived
--interval apart, so a capture decodes to the same derived readings the
live session would produce.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if len(args) > 0 {
				src = strings.NewReader(strings.Join(args, "\n"))
			}
			frames, err := linkmux.ReadFrames(src)
			if err != nil {
				return err
			}
			return decodeFrames(cmd.OutOrStdout(), frames, interval, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per frame")
	cmd.Flags().DurationVar(&interval, "interval", 40*time.Millisecond, "spacing between frames for the estimator")
	return cmd
}

func decodeFrames(w io.Writer, frames []linkmux.Notification, interval time.Duration, asJSON bool) error {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	decoder := telemetry.NewDecoder(clock, vitals.NewEstimator())
	enc := json.NewEncoder(w)

	for i, n := range frames {
		if i > 0 {
			clock.Advance(interval)
		}
		out := decodeFrame(decoder, n)
		out.Frame = i + 1
		if asJSON {
			if err := enc.Encode(out); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, out.String()); err != nil {
			return err
		}
	}
	return nil
}

func decodeFrame(decoder *telemetry.Decoder, n linkmux.Notification) decodedFrame {
	out := decodedFrame{Channel: n.Channel.String(), Hex: protocol.FormatHex(n.Data)}
	if n.Channel == linkmux.Control {
		f, err := protocol.DecodeControlFrame(n.Data)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Control = &controlSummary{
			Type:    fmt.Sprintf("%#02x", f.Type),
			Payload: protocol.FormatHex(f.Payload),
		}
		return out
	}

	f, err := protocol.DecodeSettingsFrame(n.Data)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	for _, e := range decoder.DecodeFrame(f) {
		out.Events = append(out.Events, telemetryRecord{Kind: e.Kind().String(), Event: e})
	}
	return out
}

func (d decodedFrame) String() string {
	prefix := fmt.Sprintf("#%d %s", d.Frame, d.Channel)
	switch {
	case d.Error != "":
		return prefix + " invalid: " + d.Error
	case d.Control != nil:
		return fmt.Sprintf("%s type=%s payload=%s", prefix, d.Control.Type, d.Control.Payload)
	case len(d.Events) == 0:
		return prefix + " (no events)"
	}
	parts := make([]string, 0, len(d.Events))
	for _, e := range d.Events {
		b, err := json.Marshal(e.Event)
		if err != nil {
			b = []byte(fmt.Sprintf("%+v", e.Event))
		}
		parts = append(parts, e.Kind+" "+string(b))
	}
	return prefix + " " + strings.Join(parts, "; ")
}
