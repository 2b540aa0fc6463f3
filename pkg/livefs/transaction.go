package livefs

import (
	"context"
	"fmt"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
)

// Transaction is a live filesystem sync of one pending deployment
type Transaction struct {
	*transaction.Base

	engine  *Engine
	osname  string
	booted  sysroot.Deployment
	pending sysroot.Deployment
	source  string
	flags   Flags
}

// Flags returns the flags the sync was requested with
func (t *Transaction) Flags() Flags {
	return t.flags
}

func (t *Transaction) run(ctx context.Context, progress transaction.Progress) error {
	e := t.engine
	logger := e.logger.With().Str("txn", t.ID()).Str("osname", t.osname).Logger()
	defer logging.LogOperationStart(logger, "livefs")()

	unlock, err := e.sysroot.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	progress.Message(fmt.Sprintf("Syncing deployment %s onto %s", t.pending.ID, e.liveRoot))

	plan, err := Diff(e.reader, t.source, e.liveRoot, e.subdirs)
	if err != nil {
		return err
	}
	progress.Message(plan.Summary())

	replace := t.flags.Has(FlagReplace)
	if conflicts := plan.Conflicts(); len(conflicts) > 0 && !replace {
		return errors.Newf(errors.ErrTxnFailed,
			"%d entries on the running system differ from deployment %s; replace is required", len(conflicts), t.pending.ID).
			WithDetail("conflicts", paths(conflicts))
	}

	if t.flags.Has(FlagDryRun) {
		for _, ch := range plan.Changes {
			progress.Message("Would " + ch.String())
		}
		logger.Info().Str("plan", plan.Summary()).Msg("Dry run complete")
		return nil
	}

	if err := e.apply(ctx, plan, progress); err != nil {
		return err
	}

	if err := e.sysroot.RecordLive(t.osname, sysroot.LiveState{
		Checksum: t.pending.Checksum,
		Replaced: replace,
		Applied:  e.now().UTC(),
	}); err != nil {
		return errors.Wrap(err, errors.ErrTxnFailed, "changes were applied but could not be recorded")
	}

	logger.Info().Str("plan", plan.Summary()).Msg("Live filesystem sync complete")
	return nil
}
