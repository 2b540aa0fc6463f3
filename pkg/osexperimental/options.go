package osexperimental

import (
	"github.com/arthur-debert/deployd/pkg/livefs"
	"github.com/godbus/dbus/v5"
)

// Option keys accepted by LiveFs
const (
	OptionDryRun  = "dry-run"
	OptionReplace = "replace"
)

// LiveFsOptions are the decoded LiveFs options
type LiveFsOptions struct {
	DryRun  bool
	Replace bool
}

// DecodeLiveFsOptions reads the known boolean options. Unknown keys are
// ignored and anything that is not a boolean true counts as false.
func DecodeLiveFsOptions(options map[string]dbus.Variant) LiveFsOptions {
	return LiveFsOptions{
		DryRun:  boolOption(options, OptionDryRun),
		Replace: boolOption(options, OptionReplace),
	}
}

// Flags converts the options to engine flags
func (o LiveFsOptions) Flags() livefs.Flags {
	var flags livefs.Flags
	if o.DryRun {
		flags |= livefs.FlagDryRun
	}
	if o.Replace {
		flags |= livefs.FlagReplace
	}
	return flags
}

// Variants encodes the options for a bus call. False options are left out.
func (o LiveFsOptions) Variants() map[string]dbus.Variant {
	out := map[string]dbus.Variant{}
	if o.DryRun {
		out[OptionDryRun] = dbus.MakeVariant(true)
	}
	if o.Replace {
		out[OptionReplace] = dbus.MakeVariant(true)
	}
	return out
}

func boolOption(options map[string]dbus.Variant, key string) bool {
	v, ok := options[key]
	if !ok {
		return false
	}
	b, ok := v.Value().(bool)
	return ok && b
}
