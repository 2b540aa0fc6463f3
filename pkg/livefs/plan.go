package livefs

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/filesystem"
)

// ChangeKind says what a change does to the running system
type ChangeKind string

// Change kinds
const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeRemove ChangeKind = "remove"
)

// EntryType is the kind of filesystem entry
type EntryType string

// Entry types
const (
	EntryDir     EntryType = "dir"
	EntryFile    EntryType = "file"
	EntrySymlink EntryType = "symlink"
	EntryOther   EntryType = "other"
)

// Change is one difference between the pending tree and the running system
type Change struct {
	Kind ChangeKind
	// Path is relative to both roots, e.g. usr/bin/tool
	Path string
	// Type is the entry type in the pending tree, or on the running system
	// for removals
	Type EntryType
	// LiveType is the entry type currently on the running system; empty for
	// additions
	LiveType EntryType
	Mode     fs.FileMode
	// Target is the symlink target for symlink entries
	Target string
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeAdd:
		return fmt.Sprintf("add %s %s", c.Type, c.Path)
	case ChangeRemove:
		return fmt.Sprintf("remove %s %s", c.Type, c.Path)
	default:
		if c.LiveType != c.Type {
			return fmt.Sprintf("replace %s %s with %s", c.LiveType, c.Path, c.Type)
		}
		return fmt.Sprintf("modify %s %s", c.Type, c.Path)
	}
}

// Plan is the ordered list of changes that makes the running system match
// the pending tree. Removals come first, deepest paths first, followed by
// additions and modifications in tree order.
type Plan struct {
	Source  string
	Live    string
	Changes []Change
}

// Empty reports whether the trees already match
func (p *Plan) Empty() bool {
	return len(p.Changes) == 0
}

// Count returns how many changes are of kind
func (p *Plan) Count(kind ChangeKind) int {
	n := 0
	for _, c := range p.Changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Conflicts returns the changes that touch existing files on the running
// system
func (p *Plan) Conflicts() []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Kind != ChangeAdd {
			out = append(out, c)
		}
	}
	return out
}

// Summary is a one-line description of the plan
func (p *Plan) Summary() string {
	return fmt.Sprintf("%d to add, %d to modify, %d to remove",
		p.Count(ChangeAdd), p.Count(ChangeModify), p.Count(ChangeRemove))
}

type entry struct {
	typ    EntryType
	mode   fs.FileMode
	size   int64
	target string
}

type differ struct {
	fs       filesystem.FS
	source   string
	live     string
	changes  []Change
	removals []Change
}

// Diff compares subdirs of the source tree against the live root. Every
// subdir must exist in the source tree.
func Diff(fsys filesystem.FS, source, live string, subdirs []string) (*Plan, error) {
	d := &differ{fs: fsys, source: source, live: live}

	for _, sub := range subdirs {
		rel := filepath.Clean(sub)
		src, err := d.lstat(filepath.Join(source, rel))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrTxnFailed, "pending deployment has no %s", rel).
				WithDetail("source", source)
		}
		if src.typ != EntryDir {
			return nil, errors.Newf(errors.ErrTxnFailed, "%s in the pending deployment is not a directory", rel)
		}
		if err := d.compare(rel); err != nil {
			return nil, err
		}
		if err := d.collectRemovals(rel, false); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(d.removals, func(i, j int) bool {
		return d.removals[i].Path > d.removals[j].Path
	})
	return &Plan{
		Source:  source,
		Live:    live,
		Changes: append(d.removals, d.changes...),
	}, nil
}

// compare records the change for rel and descends into source directories
func (d *differ) compare(rel string) error {
	src, err := d.lstat(filepath.Join(d.source, rel))
	if err != nil {
		return errors.Wrapf(err, errors.ErrTxnFailed, "failed to inspect %s in the pending deployment", rel)
	}

	dst, err := d.lstat(filepath.Join(d.live, rel))
	switch {
	case isMissing(err):
		d.changes = append(d.changes, change(ChangeAdd, rel, src, ""))
		if src.typ == EntryDir {
			return d.eachChild(filepath.Join(d.source, rel), rel, d.addTree)
		}
		return nil
	case err != nil:
		return errors.Wrapf(err, errors.ErrTxnFailed, "failed to inspect %s on the running system", rel)
	}

	differs, err := d.differs(rel, src, dst)
	if err != nil {
		return err
	}
	if differs {
		d.changes = append(d.changes, change(ChangeModify, rel, src, dst.typ))
	}

	if src.typ != EntryDir {
		return nil
	}
	if dst.typ != EntryDir {
		return d.eachChild(filepath.Join(d.source, rel), rel, d.addTree)
	}
	return d.eachChild(filepath.Join(d.source, rel), rel, d.compare)
}

// addTree records rel and everything below it as additions
func (d *differ) addTree(rel string) error {
	src, err := d.lstat(filepath.Join(d.source, rel))
	if err != nil {
		return errors.Wrapf(err, errors.ErrTxnFailed, "failed to inspect %s in the pending deployment", rel)
	}
	d.changes = append(d.changes, change(ChangeAdd, rel, src, ""))
	if src.typ == EntryDir {
		return d.eachChild(filepath.Join(d.source, rel), rel, d.addTree)
	}
	return nil
}

// collectRemovals walks the live tree below rel and records entries the
// source tree does not have. gone marks a directory whose source
// counterpart is missing or not a directory.
func (d *differ) collectRemovals(rel string, gone bool) error {
	dst, err := d.lstat(filepath.Join(d.live, rel))
	if isMissing(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, errors.ErrTxnFailed, "failed to inspect %s on the running system", rel)
	}

	srcIsDir := false
	if !gone {
		src, err := d.lstat(filepath.Join(d.source, rel))
		switch {
		case isMissing(err):
			gone = true
		case err != nil:
			return errors.Wrapf(err, errors.ErrTxnFailed, "failed to inspect %s in the pending deployment", rel)
		default:
			srcIsDir = src.typ == EntryDir
		}
		if gone {
			d.removals = append(d.removals, Change{Kind: ChangeRemove, Path: rel, Type: dst.typ, LiveType: dst.typ, Mode: dst.mode})
		}
	} else {
		d.removals = append(d.removals, Change{Kind: ChangeRemove, Path: rel, Type: dst.typ, LiveType: dst.typ, Mode: dst.mode})
	}

	if dst.typ != EntryDir {
		return nil
	}
	childrenGone := gone || !srcIsDir
	return d.eachChild(filepath.Join(d.live, rel), rel, func(child string) error {
		return d.collectRemovals(child, childrenGone)
	})
}

func (d *differ) differs(rel string, src, dst entry) (bool, error) {
	if src.typ != dst.typ {
		return true, nil
	}
	switch src.typ {
	case EntrySymlink:
		return src.target != dst.target, nil
	case EntryDir:
		return src.mode != dst.mode, nil
	case EntryFile:
		if src.mode != dst.mode || src.size != dst.size {
			return true, nil
		}
		srcSum, err := filesystem.Checksum(d.fs, filepath.Join(d.source, rel))
		if err != nil {
			return false, errors.Wrapf(err, errors.ErrTxnFailed, "failed to checksum %s in the pending deployment", rel)
		}
		dstSum, err := filesystem.Checksum(d.fs, filepath.Join(d.live, rel))
		if err != nil {
			return false, errors.Wrapf(err, errors.ErrTxnFailed, "failed to checksum %s on the running system", rel)
		}
		return srcSum != dstSum, nil
	default:
		return src.mode != dst.mode, nil
	}
}

func (d *differ) eachChild(dir, rel string, fn func(string) error) error {
	entries, err := d.fs.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, errors.ErrTxnFailed, "failed to list %s", dir)
	}
	for _, e := range entries {
		if err := fn(filepath.Join(rel, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (d *differ) lstat(path string) (entry, error) {
	info, err := d.fs.Lstat(path)
	if err != nil {
		return entry{}, err
	}
	e := entry{mode: info.Mode().Perm() | (info.Mode() & (fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)), size: info.Size()}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		e.typ = EntrySymlink
		e.target, err = d.fs.Readlink(path)
		if err != nil {
			return entry{}, err
		}
	case info.IsDir():
		e.typ = EntryDir
	case info.Mode().IsRegular():
		e.typ = EntryFile
	default:
		e.typ = EntryOther
	}
	return e, nil
}

func change(kind ChangeKind, rel string, src entry, liveType EntryType) Change {
	return Change{Kind: kind, Path: rel, Type: src.typ, LiveType: liveType, Mode: src.mode, Target: src.target}
}

// isMissing treats a path below a non-directory like a missing one
func isMissing(err error) bool {
	return err != nil && (stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, syscall.ENOTDIR))
}

// paths lists the paths of changes, for error details
func paths(changes []Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}
