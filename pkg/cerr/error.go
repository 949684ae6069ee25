package cerr

import (
	"errors"
	"fmt"
	"runtime"

	"buf.build/gen/go/bufbuild/protovalidate/protocolbuffers/go/buf/validate"
	"google.golang.org/protobuf/proto"

	"github.com/kazz187/browserd/pkg/clog"
)

type Error struct {
	Code    Code
	Msg     string // returned to the caller together with Code
	Err     error  // logged, never returned to the caller
	Stack   string
	Details []proto.Message
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.ConnectCodeToLevel(code.ConnectCode()) == clog.LevelError {
		buf := make([]byte, 2048)
		n := runtime.Stack(buf, false)
		err.Stack = string(buf[:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AddViolation attaches a field level validation failure that is rendered in
// the "details" array of the JSON error body.
func (e *Error) AddViolation(field, msg string) *Error {
	v := &validate.Violation{Message: proto.String(msg)}
	if field != "" {
		v.RuleId = proto.String(field)
	}
	e.Details = append(e.Details, v)
	return e
}

func (e *Error) violations() []httpViolation {
	var out []httpViolation
	for _, d := range e.Details {
		v, ok := d.(*validate.Violation)
		if !ok {
			continue
		}
		out = append(out, httpViolation{Field: v.GetRuleId(), Message: v.GetMessage()})
	}
	return out
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}
