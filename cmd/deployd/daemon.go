package deployd

import (
	"github.com/arthur-debert/deployd/pkg/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   MsgDaemonShort,
		Long:    MsgDaemonLong,
		GroupID: "service",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := daemon.New(a.cfg)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().Var(newOverride(a, "sysroot.path"), "sysroot", MsgFlagSysroot)
	return cmd
}

// override is a string flag that becomes a config override when set
type override struct {
	a   *app
	key string
}

func newOverride(a *app, key string) *override {
	return &override{a: a, key: key}
}

func (o *override) String() string {
	if v, ok := o.a.overrides[o.key].(string); ok {
		return v
	}
	return ""
}

func (o *override) Set(v string) error {
	o.a.overrides[o.key] = v
	return nil
}

func (o *override) Type() string {
	return "string"
}
