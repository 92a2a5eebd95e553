// Package protocol implements the control-stream wire codec and the
// sending/receiving lifecycle state machines (C6). Every message is framed
// as a 2-byte big-endian length followed by a payload whose first field is
// a QUIC variable-length integer message type.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MessageType identifies one of the fourteen control-stream message kinds.
type MessageType uint64

const (
	RequestStream MessageType = 1
	RequestDatagram MessageType = 2
	FinDatagram     MessageType = 3
	RequestRepair   MessageType = 4
	Fragment        MessageType = 5
	Post            MessageType = 6
	Accept          MessageType = 7
	StartPoint      MessageType = 8
	Subscribe       MessageType = 9
	Notify          MessageType = 10
	CachePolicyMessage MessageType = 11
	WarpHeader      MessageType = 12
	ObjectHeader    MessageType = 13
	RushHeader      MessageType = 14
)

func (t MessageType) String() string {
	switch t {
	case RequestStream:
		return "REQUEST_STREAM"
	case RequestDatagram:
		return "REQUEST_DATAGRAM"
	case FinDatagram:
		return "FIN_DATAGRAM"
	case RequestRepair:
		return "REQUEST_REPAIR"
	case Fragment:
		return "FRAGMENT"
	case Post:
		return "POST"
	case Accept:
		return "ACCEPT"
	case StartPoint:
		return "START_POINT"
	case Subscribe:
		return "SUBSCRIBE"
	case Notify:
		return "NOTIFY"
	case CachePolicyMessage:
		return "CACHE_POLICY"
	case WarpHeader:
		return "WARP_HEADER"
	case ObjectHeader:
		return "OBJECT_HEADER"
	case RushHeader:
		return "RUSH_HEADER"
	default:
		return fmt.Sprintf("MESSAGE_TYPE(%d)", uint64(t))
	}
}

// Transport is the transport_mode field carried by POST and ACCEPT.
type Transport uint64

const (
	TransportSingleStream Transport = iota
	TransportWarp
	TransportRush
	TransportDatagram
)

// CachePolicy mirrors the wire cache_policy field.
type CachePolicy uint64

const (
	CachePolicyNone CachePolicy = iota
	CachePolicyLiveOnly
	CachePolicyStoreAndForward
)

// CloseCode is the QUIC application error code attached when a control
// stream is closed due to a protocol violation.
type CloseCode uint64

const (
	CloseNoError CloseCode = iota
	CloseInternalError
	CloseProtocolViolation
	CloseUnknownURL
)

// Error is returned for any illegal message or state transition; it carries
// the close code the caller should reset the stream with.
type Error struct {
	Code CloseCode
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("quicrq protocol error: %s (code %d)", e.Msg, e.Code) }

func protoErr(code CloseCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Message is the decoded form of any control-stream payload; only the
// fields relevant to Type are populated.
type Message struct {
	Type MessageType

	URL         string
	URLPrefix   string
	Transport   Transport
	CachePolicy CachePolicy

	Group, Object, Offset uint64
	NbPrev                uint64
	QueueDelay            uint64
	Flags                 uint8
	Length                uint64
	Last                  bool
	Data                  []byte

	MediaID uint64

	StartGroup, StartObject uint64
}

// WriteFramed encodes msg's payload and writes it prefixed by its 2-byte
// big-endian length.
func WriteFramed(w io.Writer, msg *Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > 0xFFFF {
		return protoErr(CloseInternalError, "message payload too large: %d bytes", len(payload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFramed reads one length-prefixed message from r and decodes it.
func ReadFramed(r io.Reader) (*Message, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}

// Encode serializes msg's payload (without the outer length prefix).
func Encode(msg *Message) ([]byte, error) {
	buf := quicvarint.Append(nil, uint64(msg.Type))
	switch msg.Type {
	case RequestStream, RequestDatagram:
		buf = appendString(buf, msg.URL)
	case FinDatagram:
		buf = quicvarint.Append(buf, msg.Group)
		buf = quicvarint.Append(buf, msg.Object)
	case RequestRepair:
		buf = quicvarint.Append(buf, msg.Group)
		buf = quicvarint.Append(buf, msg.Object)
		buf = quicvarint.Append(buf, msg.Offset)
		buf = quicvarint.Append(buf, boolToU64(msg.Last))
		buf = quicvarint.Append(buf, msg.Length)
	case Fragment:
		buf = quicvarint.Append(buf, msg.Group)
		buf = quicvarint.Append(buf, msg.Object)
		buf = quicvarint.Append(buf, msg.NbPrev)
		buf = quicvarint.Append(buf, msg.Offset)
		buf = quicvarint.Append(buf, boolToU64(msg.Last))
		buf = append(buf, msg.Flags)
		buf = quicvarint.Append(buf, uint64(len(msg.Data)))
		buf = append(buf, msg.Data...)
	case Post:
		buf = appendString(buf, msg.URL)
		buf = quicvarint.Append(buf, uint64(msg.Transport))
		buf = quicvarint.Append(buf, uint64(msg.CachePolicy))
		buf = quicvarint.Append(buf, msg.StartGroup)
		buf = quicvarint.Append(buf, msg.StartObject)
	case Accept:
		buf = quicvarint.Append(buf, uint64(msg.Transport))
		buf = quicvarint.Append(buf, msg.MediaID)
	case StartPoint:
		buf = quicvarint.Append(buf, msg.Group)
		buf = quicvarint.Append(buf, msg.Object)
	case Subscribe:
		buf = appendString(buf, msg.URLPrefix)
	case Notify:
		buf = appendString(buf, msg.URL)
	case CachePolicyMessage:
		buf = quicvarint.Append(buf, uint64(msg.CachePolicy))
	case WarpHeader:
		buf = quicvarint.Append(buf, msg.MediaID)
		buf = quicvarint.Append(buf, msg.Group)
	case ObjectHeader:
		buf = quicvarint.Append(buf, msg.Object)
		buf = quicvarint.Append(buf, msg.NbPrev)
		buf = append(buf, msg.Flags)
		buf = quicvarint.Append(buf, uint64(len(msg.Data)))
		buf = append(buf, msg.Data...)
	case RushHeader:
		buf = quicvarint.Append(buf, msg.MediaID)
		buf = quicvarint.Append(buf, msg.Group)
		buf = quicvarint.Append(buf, msg.Object)
	default:
		return nil, protoErr(CloseProtocolViolation, "unknown message type %d", msg.Type)
	}
	return buf, nil
}

// Decode parses a payload (without its length prefix) into a Message.
func Decode(payload []byte) (*Message, error) {
	rr := quicvarint.NewReader(&byteReader{payload})
	typ, err := quicvarint.Read(rr)
	if err != nil {
		return nil, protoErr(CloseProtocolViolation, "truncated message: %v", err)
	}
	msg := &Message{Type: MessageType(typ)}

	readVarint := func() (uint64, error) { return quicvarint.Read(rr) }
	readByte := func() (byte, error) {
		b := make([]byte, 1)
		if _, err := io.ReadFull(rr, b); err != nil {
			return 0, err
		}
		return b[0], nil
	}

	var readErr error
	must := func(v uint64, err error) uint64 {
		if err != nil && readErr == nil {
			readErr = err
		}
		return v
	}

	switch msg.Type {
	case RequestStream, RequestDatagram:
		msg.URL, readErr = readString(rr)
	case FinDatagram:
		msg.Group = must(readVarint())
		msg.Object = must(readVarint())
	case RequestRepair:
		msg.Group = must(readVarint())
		msg.Object = must(readVarint())
		msg.Offset = must(readVarint())
		msg.Last = must(readVarint()) != 0
		msg.Length = must(readVarint())
	case Fragment:
		msg.Group = must(readVarint())
		msg.Object = must(readVarint())
		msg.NbPrev = must(readVarint())
		msg.Offset = must(readVarint())
		msg.Last = must(readVarint()) != 0
		if readErr == nil {
			var b byte
			b, readErr = readByte()
			msg.Flags = b
		}
		n := must(readVarint())
		if readErr == nil {
			msg.Data = make([]byte, n)
			_, readErr = io.ReadFull(rr, msg.Data)
		}
	case Post:
		msg.URL, readErr = readString(rr)
		if readErr == nil {
			msg.Transport = Transport(must(readVarint()))
			msg.CachePolicy = CachePolicy(must(readVarint()))
			msg.StartGroup = must(readVarint())
			msg.StartObject = must(readVarint())
		}
	case Accept:
		msg.Transport = Transport(must(readVarint()))
		msg.MediaID = must(readVarint())
	case StartPoint:
		msg.Group = must(readVarint())
		msg.Object = must(readVarint())
	case Subscribe:
		msg.URLPrefix, readErr = readString(rr)
	case Notify:
		msg.URL, readErr = readString(rr)
	case CachePolicyMessage:
		msg.CachePolicy = CachePolicy(must(readVarint()))
	case WarpHeader:
		msg.MediaID = must(readVarint())
		msg.Group = must(readVarint())
	case ObjectHeader:
		msg.Object = must(readVarint())
		msg.NbPrev = must(readVarint())
		if readErr == nil {
			var b byte
			b, readErr = readByte()
			msg.Flags = b
		}
		n := must(readVarint())
		if readErr == nil {
			msg.Data = make([]byte, n)
			_, readErr = io.ReadFull(rr, msg.Data)
		}
	case RushHeader:
		msg.MediaID = must(readVarint())
		msg.Group = must(readVarint())
		msg.Object = must(readVarint())
	default:
		return nil, protoErr(CloseProtocolViolation, "unknown message type %d", msg.Type)
	}
	if readErr != nil {
		return nil, protoErr(CloseProtocolViolation, "malformed %s payload: %v", msg.Type, readErr)
	}
	return msg, nil
}

func appendString(buf []byte, s string) []byte {
	buf = quicvarint.Append(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(r quicvarint.Reader) (string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// SendState is the sender-side control-stream lifecycle.
type SendState int

const (
	SendReady SendState = iota
	SendInitial
	SendSingleStream
	SendRepair
	SendFinalPoint
	SendStartPoint
	SendCachePolicy
	SendSubscribe
	SendWaitingNotify
	SendNotifyReady
	SendNotify
	SendFin
	SendNoMore
)

// SendInputs are the pending-work flags consulted to pick the next state
// when a sender is Ready, evaluated in priority order.
type SendInputs struct {
	FinPending         bool
	StartPointPending  bool
	CachePolicyDirty   bool
	IsStreamMode       bool
	HasMoreStreamData  bool
}

// NextSendState applies the sender's fixed priority order: FIN before
// start-point before cache policy before stream-mode data pumping;
// otherwise the sender goes idle (NoMore).
func NextSendState(in SendInputs) SendState {
	switch {
	case in.FinPending:
		return SendFinalPoint
	case in.StartPointPending:
		return SendStartPoint
	case in.CachePolicyDirty:
		return SendCachePolicy
	case in.IsStreamMode && in.HasMoreStreamData:
		return SendSingleStream
	default:
		return SendNoMore
	}
}

// RecvState is the receiver-side control-stream lifecycle.
type RecvState int

const (
	RecvInitial RecvState = iota
	RecvStream
	RecvConfirmation
	RecvFragment
	RecvNotify
	RecvDone
)

// recvTransitions enumerates the legal (state, message type) pairs. Any
// message arriving outside this table is a protocol error.
var recvTransitions = map[RecvState]map[MessageType]RecvState{
	RecvInitial: {
		RequestStream:   RecvStream,
		RequestDatagram: RecvStream,
		Post:            RecvConfirmation,
		Subscribe:       RecvNotify,
	},
	RecvStream: {
		Accept:      RecvConfirmation,
		Fragment:    RecvFragment,
		StartPoint:  RecvStream,
		CachePolicyMessage: RecvStream,
		FinDatagram: RecvDone,
	},
	RecvConfirmation: {
		Fragment:    RecvFragment,
		StartPoint:  RecvConfirmation,
		CachePolicyMessage: RecvConfirmation,
		FinDatagram: RecvDone,
	},
	RecvFragment: {
		Fragment:    RecvFragment,
		StartPoint:  RecvFragment,
		CachePolicyMessage: RecvFragment,
		FinDatagram: RecvDone,
	},
	RecvNotify: {
		Notify: RecvNotify,
	},
}

// NextRecvState applies the receiving state machine's legal transition
// table. An illegal (state, message) pair is a protocol error that should
// close the stream with CloseProtocolViolation.
func NextRecvState(cur RecvState, msgType MessageType) (RecvState, error) {
	next, ok := recvTransitions[cur][msgType]
	if !ok {
		return cur, protoErr(CloseProtocolViolation, "illegal message %s in receive state %d", msgType, cur)
	}
	return next, nil
}
