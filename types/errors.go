package types

import "fmt"

// Kind classifies an error raised at the routing layer, an enum rather
// than sentinel values so it can travel inside a reply payload.
type Kind uint8

const (
	// KindNone marks a successful reply, no error attached.
	KindNone Kind = iota

	// KindMissingParam: a required field was absent in a user call.
	KindMissingParam

	// KindNotFound: method unregistered on target. A missing route is
	// reported as KindNoRoute.
	KindNotFound

	// KindRuntime: the handler itself failed.
	KindRuntime

	// KindEncode: payload (de)serialisation failed on send.
	KindEncode

	// KindMalformed: payload (de)serialisation failed on receive; the
	// connection that produced it is dropped.
	KindMalformed

	// KindNoRoute: no route table entry for the requested recipient,
	// including the reply routed back after a connection drop.
	KindNoRoute
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMissingParam:
		return "missing_param"
	case KindNotFound:
		return "not_found"
	case KindRuntime:
		return "runtime"
	case KindEncode:
		return "encode"
	case KindMalformed:
		return "malformed"
	case KindNoRoute:
		return "no_route"
	default:
		return "unknown"
	}
}

// Error is the error type carried in-band inside MSG_RES reply frames.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorToUdc renders an Error into the Udc shape carried in a reply
// frame's payload when the call fails.
func ErrorToUdc(err *Error) *Udc {
	if err == nil {
		return nil
	}
	return Node().
		Set("kind", String(err.Kind.String())).
		Set("message", String(err.Message))
}

// ErrorFromUdc reconstructs an Error from a reply frame's payload,
// used by a caller reading back a remote failure.
func ErrorFromUdc(u *Udc) *Error {
	if u.IsNull() {
		return nil
	}
	kindStr, _ := firstString(u, "kind")
	msg, _ := firstString(u, "message")
	kind := KindRuntime
	for k := KindNone; k <= KindNoRoute; k++ {
		if k.String() == kindStr {
			kind = k
			break
		}
	}
	return &Error{Kind: kind, Message: msg}
}

func firstString(u *Udc, field string) (string, bool) {
	v, ok := u.Get(field)
	if !ok {
		return "", false
	}
	return v.StringValue()
}
