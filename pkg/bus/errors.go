package bus

import (
	stderrors "errors"
	"strings"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/godbus/dbus/v5"
)

// ErrorPrefix prefixes every error name deployd returns on the bus
const ErrorPrefix = "org.deployd.Deployd1.Error."

// ToDBusError converts err into a bus error named after its code. The
// message is the only body argument.
func ToDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var dbusErr *dbus.Error
	if stderrors.As(err, &dbusErr) {
		return dbusErr
	}
	name := ErrorPrefix + errors.GetErrorCode(err).Name()
	return dbus.NewError(name, []interface{}{err.Error()})
}

// FromDBusError turns a bus error received by a client back into a coded
// error. Errors from other services keep their bus name in the details.
func FromDBusError(err error) error {
	if err == nil {
		return nil
	}

	var name string
	var body []interface{}
	var valErr dbus.Error
	var ptrErr *dbus.Error
	switch {
	case stderrors.As(err, &ptrErr):
		name, body = ptrErr.Name, ptrErr.Body
	case stderrors.As(err, &valErr):
		name, body = valErr.Name, valErr.Body
	default:
		return errors.Wrap(err, errors.ErrBusConnect, "bus call failed")
	}

	message := name
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			message = s
		}
	}

	if strings.HasPrefix(name, ErrorPrefix) {
		if code, ok := errors.CodeFromName(strings.TrimPrefix(name, ErrorPrefix)); ok {
			return errors.New(code, message).WithDetail("dbus_error", name)
		}
	}
	return errors.New(errors.ErrUnknown, message).WithDetail("dbus_error", name)
}
