// Package bus adapts deployd objects to D-Bus.
//
// It owns everything that knows about the wire: object paths, method
// invocations and their cancellation, publication of method tables, and the
// mapping of coded errors onto D-Bus error names. Objects themselves only see
// Invocation and plain Go values.
package bus

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ObjectPath joins base with escaped path elements. Each element keeps ASCII
// letters and digits, maps '-' and '/' to '_' and encodes any other byte as
// "_xx" in lowercase hex.
func ObjectPath(base string, elements ...string) dbus.ObjectPath {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, el := range elements {
		b.WriteByte('/')
		b.WriteString(EscapeElement(el))
	}
	if b.Len() == 0 {
		return "/"
	}
	return dbus.ObjectPath(b.String())
}

// EscapeElement makes s usable as a single object path element
func EscapeElement(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '/':
			b.WriteByte('_')
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
