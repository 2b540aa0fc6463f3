package deployd

import (
	"fmt"
	"io"
	"sort"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/style"
	"github.com/arthur-debert/deployd/pkg/transaction"
)

// printEvent writes one progress event. The finished event is reported by
// the caller.
func printEvent(w io.Writer, ev transaction.Event) {
	switch ev.Type {
	case transaction.EventMessage:
		fmt.Fprintf(w, "  %s\n", ev.Text)
	case transaction.EventPercent:
		percent := style.Render(w, "Percent", fmt.Sprintf(MsgPercentFormat, ev.Percent))
		fmt.Fprintf(w, "%s %s\n", percent, style.Render(w, "Muted", ev.Text))
	}
}

// PrintError writes err and its details, sorted by key
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, style.Render(w, "Error", fmt.Sprintf(MsgErrorFormat, err)))

	details := errors.GetErrorDetails(err)
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(w, style.Render(w, "Muted", fmt.Sprintf(MsgErrorDetail, k, details[k])))
	}
}
