package livefs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/arthur-debert/synthfs/pkg/synthfs"
	sfsys "github.com/arthur-debert/synthfs/pkg/synthfs/filesystem"
)

// apply runs the plan as one synthfs pipeline
func (e *Engine) apply(ctx context.Context, plan *Plan, progress transaction.Progress) error {
	if plan.Empty() {
		return nil
	}

	sfs := synthfs.New()
	ops := make([]synthfs.Operation, 0, len(plan.Changes))
	changeByID := make(map[synthfs.OperationID]Change, len(plan.Changes))

	total := len(plan.Changes)
	for i, ch := range plan.Changes {
		id := fmt.Sprintf("livefs_%s_%d_%s", ch.Kind, i, filepath.Base(ch.Path))
		op := sfs.CustomOperationWithID(id, e.operation(plan, ch, func() {
			progress.Percent(ch.String(), (i+1)*100/total)
		}))
		ops = append(ops, op)
		changeByID[op.ID()] = ch
	}

	options := synthfs.DefaultPipelineOptions()
	options.RollbackOnError = e.rollbackOnError

	e.logger.Info().
		Int("operationCount", len(ops)).
		Bool("rollbackEnabled", e.rollbackOnError).
		Msg("Executing synthfs operations")

	result, err := synthfs.RunWithOptions(ctx, e.writer, options, ops...)
	if err != nil {
		failed := e.failedChanges(result, changeByID)
		return errors.Wrap(err, errors.ErrTxnFailed, "failed to apply changes to the running system").
			WithDetail("failed", failed)
	}
	return nil
}

func (e *Engine) failedChanges(result *synthfs.Result, changeByID map[synthfs.OperationID]Change) []string {
	if result == nil {
		return nil
	}
	var failed []string
	for _, opResult := range result.GetOperations() {
		r, ok := opResult.(synthfs.OperationResult)
		if !ok || r.Status == synthfs.StatusSuccess {
			continue
		}
		ch, exists := changeByID[r.OperationID]
		if !exists {
			e.logger.Warn().
				Str("operationID", string(r.OperationID)).
				Msg("Could not find change for synthfs result")
			continue
		}
		msg := ch.String()
		if r.Error != nil {
			msg = fmt.Sprintf("%s: %v", msg, r.Error)
		}
		failed = append(failed, msg)
	}
	return failed
}

func (e *Engine) operation(plan *Plan, ch Change, done func()) func(context.Context, sfsys.FileSystem) error {
	source := filepath.Join(plan.Source, ch.Path)
	target := filepath.Join(plan.Live, ch.Path)

	return func(ctx context.Context, fsys sfsys.FileSystem) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch ch.Kind {
		case ChangeRemove:
			err = removeEntry(fsys, target)
		default:
			if ch.Kind == ChangeModify && !(ch.Type == EntryDir && ch.LiveType == EntryDir) {
				if err := removeEntry(fsys, target); err != nil {
					return err
				}
			}
			err = e.writeEntry(fsys, ch, source, target)
		}
		if err != nil {
			return err
		}

		e.logger.Debug().Str("change", ch.String()).Msg("Applied change")
		done()
		return nil
	}
}

func (e *Engine) writeEntry(fsys sfsys.FileSystem, ch Change, source, target string) error {
	switch ch.Type {
	case EntryDir:
		if err := fsys.MkdirAll(target, ch.Mode.Perm()); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", target, err)
		}
		return e.chmod(target, ch.Mode)
	case EntrySymlink:
		// The path-aware writer resolves symlink targets against its root,
		// which would turn relative targets absolute
		if err := e.symlinkFn(ch.Target, target); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", target, err)
		}
		return nil
	case EntryFile:
		src, err := fsys.Open(source)
		if err != nil {
			return fmt.Errorf("failed to open source file %s: %w", source, err)
		}
		defer func() { _ = src.Close() }()

		content, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("failed to read source file %s: %w", source, err)
		}
		if err := fsys.WriteFile(target, content, ch.Mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", target, err)
		}
		return e.chmod(target, ch.Mode)
	default:
		return fmt.Errorf("cannot sync %s: unsupported file type", target)
	}
}

// chmod sets the exact mode, which WriteFile and MkdirAll leave to the
// umask
func (e *Engine) chmod(path string, mode fs.FileMode) error {
	if err := e.chmodFn(path, mode); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", path, err)
	}
	return nil
}

func removeEntry(fsys sfsys.FileSystem, path string) error {
	if err := fsys.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
