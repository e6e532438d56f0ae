package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/wire"
)

func newExecCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "exec NAME [PARAM]",
		Short: "Send one command and print its reply",
		Long:  "Send a device command (get_sn, set_name, ...) or a camd command (info, session.state, ...) and print the reply payload.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			param := ""
			if len(args) == 2 {
				param = args[1]
			}
			rc, err := c.dial(cmd)
			if err != nil {
				return err
			}
			defer rc.Close()
			r, err := c.call(cmd.Context(), rc, args[0], param)
			if err != nil {
				return err
			}
			if r.Payload != "" {
				fmt.Fprintln(cmd.OutOrStdout(), r.Payload)
			}
			return nil
		},
	}
}

func newInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show session, attachment and identity details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := c.dial(cmd)
			if err != nil {
				return err
			}
			defer rc.Close()
			ctx := cmd.Context()
			out := map[string]string{}
			r, err := c.call(ctx, rc, relay.CmdSessionState, "")
			if err != nil {
				return err
			}
			out["state"] = r.Payload
			if r, err = c.call(ctx, rc, relay.CmdSDKVersion, ""); err != nil {
				return err
			}
			out["sdk"] = r.Payload
			if r, err = c.call(ctx, rc, relay.CmdInfo, ""); err != nil {
				return err
			}
			for k, v := range wire.ParseParams(r.Payload) {
				out[k] = v
			}
			// Identity is best effort; a case without a camera has no sn.
			for key, name := range map[string]string{"sn": "get_sn", "firmware": "get_fw_version"} {
				if r, err := c.call(ctx, rc, name, ""); err == nil {
					out[key] = r.Payload
				}
			}
			keys := make([]string, 0, len(out))
			for k := range out {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", k+":", out[k])
			}
			return nil
		},
	}
}
