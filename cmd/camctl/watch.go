package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const watchBuffer = 256

func newWatchCmd(c *cli) *cobra.Command {
	var count int
	var noStream bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print media units and events as they arrive",
		Long:  "Start the camera stream and print one line per media unit or event until interrupted or -n units were seen.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 0 {
				return fmt.Errorf("-n must be >= 0")
			}
			units := make(chan wire.Unit, watchBuffer)
			var dropped atomic.Int64
			rc, err := c.dial(cmd, relay.WithUnitHandler(func(u wire.Unit) {
				select {
				case units <- u.Clone():
				default:
					dropped.Add(1)
				}
			}))
			if err != nil {
				return err
			}
			defer rc.Close()
			ctx := cmd.Context()
			if !noStream {
				if _, err := c.call(ctx, rc, "obtain_stream", ""); err != nil {
					return err
				}
				defer func() {
					// The command context may already be cancelled.
					_, _ = c.call(context.WithoutCancel(ctx), rc, "release_stream", "")
				}()
			}
			seen := 0
			for count == 0 || seen < count {
				select {
				case <-ctx.Done():
					return nil
				case <-rc.Done():
					if err := rc.Err(); err != nil {
						return fmt.Errorf("relay closed: %w", err)
					}
					return nil
				case u := <-units:
					printUnit(cmd.OutOrStdout(), u)
					seen++
				}
			}
			if n := dropped.Load(); n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "dropped %d units\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after N units (0 = until interrupted)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "do not send obtain_stream/release_stream")
	return cmd
}

func printUnit(w io.Writer, u wire.Unit) {
	switch u.Kind {
	case wire.KindMedia:
		m, err := wire.DecodeMedia(u)
		if err != nil {
			fmt.Fprintf(w, "malformed media: %v\n", err)
			return
		}
		fmt.Fprintf(w, "%s pts=%d bytes=%d\n", m.Channel, m.PTS, len(m.Data))
	case wire.KindEvent:
		e, err := wire.DecodeEvent(u)
		if err != nil {
			fmt.Fprintf(w, "malformed event: %v\n", err)
			return
		}
		fmt.Fprintf(w, "event type=%d\n", e.Type)
	default:
		fmt.Fprintf(w, "%s bytes=%d\n", u.Kind, len(u.Body))
	}
}
