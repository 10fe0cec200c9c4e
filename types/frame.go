package types

// FrameType is the wire-level discriminant for a Frame.
type FrameType uint8

const (
	RouteReq FrameType = iota + 1
	RouteRes
	RouteUpd
	MsgReq
	MsgRes
)

func (t FrameType) String() string {
	switch t {
	case RouteReq:
		return "ROUTE_REQ"
	case RouteRes:
		return "ROUTE_RES"
	case RouteUpd:
		return "ROUTE_UPD"
	case MsgReq:
		return "MSG_REQ"
	case MsgRes:
		return "MSG_RES"
	default:
		return "UNKNOWN"
	}
}

// Frame is the wire unit routed between modules: a typed record
// carrying chain_key, recipient, method, sender and an optional
// payload. Mutators below are in-place and destructive (the string
// being replaced is simply dropped) so the router can rewrite a frame
// while forwarding it without copying the whole structure.
type Frame struct {
	Type      FrameType
	ChainKey  string
	Recipient string
	Method    string
	Sender    string
	Payload   *Udc
}

func NewFrame(t FrameType) *Frame {
	return &Frame{Type: t}
}

func (f *Frame) SetType(t FrameType) *Frame           { f.Type = t; return f }
func (f *Frame) SetSender(s string) *Frame            { f.Sender = s; return f }
func (f *Frame) SetChainKey(k string) *Frame          { f.ChainKey = k; return f }
func (f *Frame) SetRecipient(r string) *Frame         { f.Recipient = r; return f }
func (f *Frame) SetMethod(m string) *Frame            { f.Method = m; return f }
func (f *Frame) SetPayload(p *Udc) *Frame             { f.Payload = p; return f }

// Clone makes a shallow copy of the frame header fields with a fresh
// Payload pointer left to the caller to attach; used when a response
// must diverge from its originating request (e.g. synthesizing an
// error reply) without mutating the frame still referenced elsewhere.
func (f *Frame) Clone() *Frame {
	return &Frame{
		Type:      f.Type,
		ChainKey:  f.ChainKey,
		Recipient: f.Recipient,
		Method:    f.Method,
		Sender:    f.Sender,
	}
}
