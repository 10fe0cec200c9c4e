package types

// Message is the in-memory form of a call, produced by FrameToMessage
// and consumed by a local Handler. Ownership of CData moves from the
// frame into the message without copying.
type Message struct {
	ChainKey string
	Sender   string
	MType    FrameType
	CData    *Udc
	CList    *Udc
	RInfo    *Udc
	Err      *Error
}

// ReplyKind is the explicit algebraic result a Handler returns, so a
// deferred reply is its own case instead of a sentinel error code
// doubling as a control signal.
type ReplyKind uint8

const (
	ReplyOk ReplyKind = iota
	ReplyDefer
	ReplyErr
)

// Reply is what a registered Handler returns. ReplyDefer means no
// immediate response is sent: the handler has either called
// Router.Continue to forward the request on, or answers later itself
// through Router.Respond; ReplyErr attaches Err as the failure carried
// back to the caller.
type Reply struct {
	Kind    ReplyKind
	Payload *Udc
	Err     *Error
}

func Ok(payload *Udc) Reply          { return Reply{Kind: ReplyOk, Payload: payload} }
func Defer() Reply                   { return Reply{Kind: ReplyDefer} }
func Fail(err *Error) Reply          { return Reply{Kind: ReplyErr, Err: err} }

// Handler is a locally registered method implementation.
type Handler func(msg *Message) Reply

// ResponseHandler is invoked with the reply for a request this node
// issued via Send or Continue.
type ResponseHandler func(msg *Message)
