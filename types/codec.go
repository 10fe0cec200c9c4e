package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrNeedMore is returned by Decode when the buffer does not yet hold
// a complete frame; the caller should read more bytes and retry.
var ErrNeedMore = errors.New("qbus: need more bytes")

// ErrMalformed is a hard decode error; the caller must drop the
// connection that produced it.
var ErrMalformed = errors.New("qbus: malformed frame")

const (
	mtypeNone = 0
	mtypeJSON = 1
)

// Encode serialises a frame to the wire: type:u8, then len-prefixed
// chain_key/recipient/method/sender, then an mtype:u8 payload section
// (0=none, 1=JSON followed by len+bytes).
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(f.Type))
	writeLenPrefixed(&buf, f.ChainKey)
	writeLenPrefixed(&buf, f.Recipient)
	writeLenPrefixed(&buf, f.Method)
	writeLenPrefixed(&buf, f.Sender)

	if f.Payload == nil {
		buf.WriteByte(mtypeNone)
		return buf.Bytes(), nil
	}

	data, err := f.Payload.MarshalJSON()
	if err != nil {
		return nil, NewError(KindEncode, "failed encoding payload: %v", err)
	}
	buf.WriteByte(mtypeJSON)
	writeLenPrefixedBytes(&buf, data)
	return buf.Bytes(), nil
}

func writeLenPrefixed(buf *bytes.Buffer, s string) {
	writeLenPrefixedBytes(buf, []byte(s))
}

func writeLenPrefixedBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// Decode parses one frame from the front of data, returning the frame,
// the number of bytes consumed, or ErrNeedMore if data doesn't yet
// hold a whole frame. ErrMalformed signals a hard failure: the caller
// must drop the connection.
func Decode(data []byte) (*Frame, int, error) {
	r := bytes.NewReader(data)

	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, ErrNeedMore
	}
	ft := FrameType(typeByte)
	if ft < RouteReq || ft > MsgRes {
		return nil, 0, ErrMalformed
	}

	chainKey, err := readLenPrefixed(r)
	if err != nil {
		return nil, 0, err
	}
	recipient, err := readLenPrefixed(r)
	if err != nil {
		return nil, 0, err
	}
	method, err := readLenPrefixed(r)
	if err != nil {
		return nil, 0, err
	}
	sender, err := readLenPrefixed(r)
	if err != nil {
		return nil, 0, err
	}

	mtype, err := r.ReadByte()
	if err != nil {
		return nil, 0, ErrNeedMore
	}

	f := &Frame{
		Type:      ft,
		ChainKey:  chainKey,
		Recipient: recipient,
		Method:    method,
		Sender:    sender,
	}

	switch mtype {
	case mtypeNone:
		// no payload
	case mtypeJSON:
		payload, err := readLenPrefixedBytes(r)
		if err != nil {
			return nil, 0, err
		}
		u := &Udc{}
		if err := u.UnmarshalJSON(payload); err != nil {
			return nil, 0, ErrMalformed
		}
		f.Payload = u
	default:
		return nil, 0, ErrMalformed
	}

	consumed := len(data) - r.Len()
	return f, consumed, nil
}

// DecodeFrom reads exactly one frame from r, blocking as needed. Used
// by stream-based connections (TCP, local-socket) where bytes arrive
// incrementally rather than as one buffer handed to Decode; unlike
// Decode it has no "need more" case, it just keeps reading.
func DecodeFrom(r io.Reader) (*Frame, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufioFallback{r}
	}

	typeByte, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	ft := FrameType(typeByte)
	if ft < RouteReq || ft > MsgRes {
		return nil, ErrMalformed
	}

	chainKey, err := readLenPrefixedFrom(r)
	if err != nil {
		return nil, err
	}
	recipient, err := readLenPrefixedFrom(r)
	if err != nil {
		return nil, err
	}
	method, err := readLenPrefixedFrom(r)
	if err != nil {
		return nil, err
	}
	sender, err := readLenPrefixedFrom(r)
	if err != nil {
		return nil, err
	}

	mtype, err := br.ReadByte()
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Type:      ft,
		ChainKey:  string(chainKey),
		Recipient: string(recipient),
		Method:    string(method),
		Sender:    string(sender),
	}

	switch mtype {
	case mtypeNone:
	case mtypeJSON:
		payload, err := readLenPrefixedBytesFrom(r)
		if err != nil {
			return nil, err
		}
		u := &Udc{}
		if err := u.UnmarshalJSON(payload); err != nil {
			return nil, ErrMalformed
		}
		f.Payload = u
	default:
		return nil, ErrMalformed
	}

	return f, nil
}

type bufioFallback struct{ io.Reader }

func (b bufioFallback) ReadByte() (byte, error) {
	var buf [1]byte
	_, err := io.ReadFull(b.Reader, buf[:])
	return buf[0], err
}

func readLenPrefixedFrom(r io.Reader) ([]byte, error) {
	return readLenPrefixedBytesFrom(r)
}

func readLenPrefixedBytesFrom(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	b, err := readLenPrefixedBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLenPrefixedBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, ErrNeedMore
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if int(n) > r.Len() {
		return nil, ErrNeedMore
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, ErrNeedMore
	}
	return b, nil
}

// FrameToMessage converts an incoming request/response frame into the
// in-memory Message form handlers operate on. The payload was already
// deserialised by Decode; this just reshapes it, splitting an "error"
// field of a MSG_RES out into Err.
func FrameToMessage(f *Frame) *Message {
	m := &Message{
		ChainKey: f.ChainKey,
		Sender:   f.Sender,
		MType:    f.Type,
	}
	if f.Type == MsgRes {
		if errNode, ok := f.Payload.Get("error"); ok && !errNode.IsNull() {
			m.Err = ErrorFromUdc(errNode)
		} else {
			m.CData = f.Payload
		}
	} else {
		m.CData = f.Payload
	}
	return m
}

// MessageToFrame converts an outgoing Message back into a Frame ready
// to hand to a Connection.
func MessageToFrame(m *Message, t FrameType, sender, recipient, method string) *Frame {
	f := &Frame{
		Type:      t,
		ChainKey:  m.ChainKey,
		Recipient: recipient,
		Method:    method,
		Sender:    sender,
	}
	if m.Err != nil {
		f.Payload = Node().Set("error", ErrorToUdc(m.Err))
	} else {
		f.Payload = m.CData
	}
	return f
}
