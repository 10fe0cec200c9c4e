// Package qbus is a peer-to-peer RPC message bus. Modules expose
// methods callable by name and issue requests to methods on other
// modules; requests route across a dynamically discovered overlay of
// TCP or local-socket links, and responses travel back along the path
// they came in on. A module may also continue a request by forwarding
// it to a third module while still owing a reply to the caller.
package qbus

import "github.com/jabolina/qbus/types"

// Aliases re-exporting the wire/value types so callers only import
// qbus; the concrete definitions live in qbus/types, which core also
// depends on without importing the router.
type (
	Udc             = types.Udc
	Frame           = types.Frame
	FrameType       = types.FrameType
	Message         = types.Message
	Reply           = types.Reply
	Handler         = types.Handler
	ResponseHandler = types.ResponseHandler
	Error           = types.Error
	Kind            = types.Kind
)

const (
	KindNone         = types.KindNone
	KindMissingParam = types.KindMissingParam
	KindNotFound     = types.KindNotFound
	KindRuntime      = types.KindRuntime
	KindEncode       = types.KindEncode
	KindMalformed    = types.KindMalformed
	KindNoRoute      = types.KindNoRoute
)

// Payload constructors.
var (
	Null   = types.Null
	String = types.String
	Int    = types.Int
	Float  = types.Float
	Bool   = types.Bool
	List   = types.List
	Node   = types.Node
)

// Handler reply constructors.
var (
	Ok    = types.Ok
	Defer = types.Defer
	Fail  = types.Fail
)

var (
	NewError   = types.NewError
	errorToUdc = types.ErrorToUdc
)
