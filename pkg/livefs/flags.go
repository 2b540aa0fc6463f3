package livefs

import "strings"

// Flags modify a live filesystem sync
type Flags uint

const (
	// FlagDryRun plans the sync and reports it without touching the system
	FlagDryRun Flags = 1 << iota
	// FlagReplace allows modifying and removing files that already exist on
	// the running system
	FlagReplace
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagDryRun, "dry-run"},
	{FlagReplace, "replace"},
}

// Has reports whether every bit of flag is set
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
