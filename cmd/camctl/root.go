package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/kstaniek/go-cam360/internal/relay"
	"github.com/kstaniek/go-cam360/internal/wire"
)

const defaultAddr = "localhost:20360"

// cli holds the global flags shared by every subcommand.
type cli struct {
	addr    string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "camctl",
		Short:         "Control a 360 camera through camd",
		Long:          "camctl sends commands to camd, watches the media stream and drives firmware upgrades.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.addr == "" {
				return fmt.Errorf("--addr must not be empty")
			}
			if c.timeout <= 0 {
				return fmt.Errorf("--timeout must be > 0")
			}
			return nil
		},
	}
	addr := os.Getenv("CAM360_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", addr, "camd relay address (env CAM360_ADDR)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 5*time.Second, "per-command timeout")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log relay diagnostics to stderr")

	root.AddCommand(
		newExecCmd(c),
		newInfoCmd(c),
		newWatchCmd(c),
		newUpgradeCmd(c),
		newUpgradeStatusCmd(c),
		newUpgradeStopCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) dial(cmd *cobra.Command, opts ...relay.ClientOption) (*relay.Client, error) {
	l := logging.Discard()
	if c.verbose {
		l = logging.New("text", slog.LevelDebug, cmd.ErrOrStderr())
	}
	opts = append([]relay.ClientOption{relay.WithDialTimeout(c.timeout), relay.WithClientLogger(l)}, opts...)
	return relay.Dial(cmd.Context(), c.addr, opts...)
}

// call runs one command and turns a non-zero status into an error.
func (c *cli) call(ctx context.Context, rc *relay.Client, name, param string) (wire.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	r, err := rc.Exec(ctx, name, param)
	if err != nil {
		return r, fmt.Errorf("%s: %w", name, err)
	}
	if !r.OK() {
		return r, &statusError{Command: name, Status: r.Status, Message: r.Payload}
	}
	return r, nil
}

// statusError is a command the camera or camd refused.
type statusError struct {
	Command string
	Status  int32
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Command, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Command, e.Status, e.Message)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the camctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "camctl version %s\n", version)
			return nil
		},
	}
}
