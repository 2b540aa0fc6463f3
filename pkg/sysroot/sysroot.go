// Package sysroot loads and updates the deployment state of a sysroot.
//
// A sysroot is a directory holding deployment trees plus a small metadata
// directory:
//
//	<sysroot>/deployd/state.yaml   deployments and live sync records
//	<sysroot>/deployd/lock         advisory flock
//
// Readers take a shared lock for the duration of Load. Mutating work holds
// the exclusive lock through Lock, during which Load fails fast with
// STATE_LOCKED instead of waiting.
package sysroot

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Metadata layout inside a sysroot
const (
	MetaDir   = "deployd"
	StateFile = "state.yaml"
	LockFile  = "lock"
)

// lockRetryInterval is how often Lock polls a contended lock
const lockRetryInterval = 50 * time.Millisecond

// Sysroot is a handle on a sysroot directory. It holds no open files
// between calls and is safe for concurrent use.
type Sysroot struct {
	path   string
	logger zerolog.Logger
}

// New returns a handle for the sysroot at path
func New(path string) *Sysroot {
	return &Sysroot{
		path:   path,
		logger: logging.GetLogger("sysroot"),
	}
}

// Path returns the sysroot directory
func (s *Sysroot) Path() string {
	return s.path
}

func (s *Sysroot) statePath() string {
	return filepath.Join(s.path, MetaDir, StateFile)
}

func (s *Sysroot) lockPath() string {
	return filepath.Join(s.path, MetaDir, LockFile)
}

// Load reads the current state under a shared lock
func (s *Sysroot) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "state load cancelled")
	}

	f, err := s.openLock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if stderrors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.New(errors.ErrStateLocked, "sysroot is locked by another operation").
				WithDetail("path", s.path)
		}
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "failed to lock sysroot")
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	state, err := s.readState()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "state load cancelled")
	}

	s.logger.Debug().
		Str("path", s.path).
		Int("deployments", len(state.deployments)).
		Msg("Loaded sysroot state")
	return state, nil
}

// Lock takes the exclusive sysroot lock, waiting until it is free or ctx
// ends. The returned function releases it.
func (s *Sysroot) Lock(ctx context.Context) (func(), error) {
	f, err := s.openLock()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !stderrors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return nil, errors.Wrap(err, errors.ErrStateUnavailable, "failed to lock sysroot")
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, errors.Wrap(ctx.Err(), errors.ErrStateLocked, "gave up waiting for sysroot lock")
		case <-ticker.C:
		}
	}

	s.logger.Debug().Str("path", s.path).Msg("Acquired exclusive sysroot lock")
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		s.logger.Debug().Str("path", s.path).Msg("Released exclusive sysroot lock")
	}, nil
}

// RecordLive stores the live sync record for osname. Callers must hold the
// exclusive lock.
func (s *Sysroot) RecordLive(osname string, live LiveState) error {
	state, err := s.readState()
	if err != nil {
		return err
	}
	if state.live == nil {
		state.live = make(map[string]LiveState)
	}
	state.live[osname] = live

	return s.writeState(stateFile{Deployments: state.deployments, Live: state.live})
}

// Init creates the metadata directory and writes an initial state listing
// deployments. An existing state file is replaced.
func Init(path string, deployments []Deployment) (*Sysroot, error) {
	s := New(path)
	if err := os.MkdirAll(filepath.Join(path, MetaDir), 0755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrStateUnavailable, "failed to create %s", MetaDir)
	}
	if err := s.writeState(stateFile{Deployments: deployments}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sysroot) openLock() (*os.File, error) {
	f, err := os.OpenFile(s.lockPath(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "failed to open sysroot lock").
			WithDetail("path", s.path)
	}
	return f, nil
}

func (s *Sysroot) readState() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "failed to read sysroot state").
			WithDetail("path", s.statePath())
	}

	var raw stateFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrStateUnavailable, "sysroot state is corrupt").
			WithDetail("path", s.statePath())
	}

	for i, d := range raw.Deployments {
		if d.ID == "" || d.OSName == "" || d.Root == "" {
			return nil, errors.Newf(errors.ErrStateUnavailable,
				"sysroot state is corrupt: deployment %d needs id, osname and root", i).
				WithDetail("path", s.statePath())
		}
	}

	return &State{
		root:        s.path,
		deployments: raw.Deployments,
		live:        raw.Live,
	}, nil
}

// writeState replaces the state file atomically
func (s *Sysroot) writeState(raw stateFile) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to encode sysroot state")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.statePath()), ".state-*.yaml")
	if err != nil {
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to write sysroot state")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to write sysroot state")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to sync sysroot state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to write sysroot state")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to write sysroot state")
	}
	if err := os.Rename(tmpName, s.statePath()); err != nil {
		return errors.Wrap(err, errors.ErrStateUnavailable, "failed to replace sysroot state")
	}
	return nil
}
