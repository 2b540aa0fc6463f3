package deployd

import (
	"context"
	"fmt"
	"time"

	"github.com/arthur-debert/deployd/pkg/client"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/osexperimental"
	"github.com/arthur-debert/deployd/pkg/style"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/spf13/cobra"
)

func newMooCmd(a *app) *cobra.Command {
	var (
		osname string
		utf8   bool
	)
	cmd := &cobra.Command{
		Use:     "moo",
		Short:   MsgMooShort,
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := a.osname(ctx, osname)
			if err != nil {
				return err
			}
			c, err := client.Connect(ctx, a.cfg.Bus)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			result, err := c.Moo(ctx, name, utf8)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().StringVar(&osname, "os", "", MsgFlagOS)
	cmd.Flags().BoolVar(&utf8, "utf8", false, MsgFlagUTF8)
	return cmd
}

func newLiveFsCmd(a *app) *cobra.Command {
	var (
		osname string
		opts   osexperimental.LiveFsOptions
	)
	cmd := &cobra.Command{
		Use:     "livefs",
		Short:   MsgLiveFsShort,
		Long:    MsgLiveFsLong,
		Example: MsgLiveFsExample,
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, err := a.osname(ctx, osname)
			if err != nil {
				return err
			}
			c, err := client.Connect(ctx, a.cfg.Bus)
			if err != nil {
				return err
			}
			// The daemon cancels the transaction if this connection goes
			// away before the transaction is started
			defer func() { _ = c.Close() }()

			address, err := c.LiveFs(ctx, name, opts)
			if err != nil {
				return err
			}
			return followTransaction(ctx, cmd, address, opts.DryRun)
		},
	}
	cmd.Flags().StringVar(&osname, "os", "", MsgFlagOS)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, MsgFlagDryRun)
	cmd.Flags().BoolVar(&opts.Replace, "replace", false, MsgFlagReplace)
	return cmd
}

// followTransaction starts the transaction at address, or joins it, and
// prints its progress until it finishes
func followTransaction(ctx context.Context, cmd *cobra.Command, address string, dryRun bool) error {
	logger := logging.GetLogger("cmd.livefs")
	out := cmd.OutOrStdout()

	txn, err := client.DialTransaction(address)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, MsgLiveFsStarted, style.Render(out, "Address", address))

	first, err := txn.Start(ctx)
	if err != nil {
		return err
	}
	if !first {
		fmt.Fprint(out, MsgLiveFsJoined)
	}

	err = txn.Progress(ctx, func(ev transaction.Event) {
		printEvent(out, ev)
	})
	if ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cancelErr := txn.Cancel(cancelCtx); cancelErr != nil {
			logger.Warn().Err(cancelErr).Msg("Failed to cancel transaction")
		}
	}
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Fprintln(out, style.Render(out, "DryRunBanner", MsgDryRunNotice))
		return nil
	}
	fmt.Fprintln(out, style.Render(out, "Success", MsgLiveFsDone))
	return nil
}
