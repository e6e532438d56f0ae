package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/wire"
)

func newUpgradeCmd(c *cli) *cobra.Command {
	var wait bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "upgrade FILE MD5",
		Short: "Start a firmware upgrade",
		Long:  "Start a firmware upgrade from FILE, a path on the camd host, and follow its progress until it ends.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll <= 0 {
				return fmt.Errorf("--poll must be > 0")
			}
			rc, err := c.dial(cmd)
			if err != nil {
				return err
			}
			defer rc.Close()
			ctx := cmd.Context()
			param := wire.FormatParams(map[string]string{"file": args[0], "md5": args[1]})
			r, err := c.call(ctx, rc, relay.CmdUpgradeStart, param)
			if err != nil {
				return err
			}
			p := wire.ParseParams(r.Payload)
			fmt.Fprintf(cmd.OutOrStdout(), "upgrade %s started\n", p["job"])
			if !wait {
				return nil
			}
			t := time.NewTicker(poll)
			defer t.Stop()
			last := ""
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
				r, err := c.call(ctx, rc, relay.CmdUpgradeStatus, "")
				if err != nil {
					return err
				}
				p := wire.ParseParams(r.Payload)
				if line := progressLine(p); line != last {
					fmt.Fprintln(cmd.OutOrStdout(), line)
					last = line
				}
				switch p["status"] {
				case "succeeded":
					return nil
				case "failed", "stopped":
					return fmt.Errorf("upgrade %s: %s", p["status"], p["error"])
				}
			}
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "follow progress until the upgrade ends")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "progress poll interval")
	return cmd
}

func newUpgradeStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-status",
		Short: "Show the current or last upgrade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := c.dial(cmd)
			if err != nil {
				return err
			}
			defer rc.Close()
			r, err := c.call(cmd.Context(), rc, relay.CmdUpgradeStatus, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), progressLine(wire.ParseParams(r.Payload)))
			return nil
		},
	}
}

func newUpgradeStopCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-stop",
		Short: "Abort the running upgrade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := c.dial(cmd)
			if err != nil {
				return err
			}
			defer rc.Close()
			if _, err := c.call(cmd.Context(), rc, relay.CmdUpgradeStop, ""); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "upgrade stopped")
			return nil
		},
	}
}

func progressLine(p map[string]string) string {
	s := fmt.Sprintf("%s %s%%", p["status"], p["percent"])
	if p["job"] != "" {
		s += " job=" + p["job"]
	}
	if p["error"] != "" {
		s += " error=" + p["error"]
	}
	return s
}
