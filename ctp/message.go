// Package ctp implements the Cluster Transfer Protocol: the datagram
// request/response protocol peers use to exchange manifests, info files and
// blocks directly with each other.
package ctp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies the kind of a CTP message. The low bit of the
// value distinguishes requests (0) from responses (1).
type MessageType byte

const (
	StatusRequest       MessageType = 0x00
	StatusResponse       MessageType = 0x01
	Notification         MessageType = 0x02
	NotificationAck      MessageType = 0x03
	BlockRequest         MessageType = 0x04
	BlockResponse        MessageType = 0x05
	ClusterJoinRequest   MessageType = 0x06
	ClusterJoinAck       MessageType = 0x07
	ManifestRequest      MessageType = 0x08
	ManifestResponse     MessageType = 0x09
	CrinfoRequest        MessageType = 0x0A
	CrinfoResponse       MessageType = 0x0B
	NewCrinfoNotif       MessageType = 0x0C
	NewCrinfoAck         MessageType = 0x0D
	PeerlistPush         MessageType = 0x10
	UnexpectedReq        MessageType = 0xF9
	InvalidRequest       MessageType = 0xFD
	NoOp                 MessageType = 0xFE
	ServerError          MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case StatusRequest:
		return "STATUS_REQUEST"
	case StatusResponse:
		return "STATUS_RESPONSE"
	case Notification:
		return "NOTIFICATION"
	case NotificationAck:
		return "NOTIFICATION_ACK"
	case BlockRequest:
		return "BLOCK_REQUEST"
	case BlockResponse:
		return "BLOCK_RESPONSE"
	case ClusterJoinRequest:
		return "CLUSTER_JOIN_REQUEST"
	case ClusterJoinAck:
		return "CLUSTER_JOIN_ACK"
	case ManifestRequest:
		return "MANIFEST_REQUEST"
	case ManifestResponse:
		return "MANIFEST_RESPONSE"
	case CrinfoRequest:
		return "CRINFO_REQUEST"
	case CrinfoResponse:
		return "CRINFO_RESPONSE"
	case NewCrinfoNotif:
		return "NEW_CRINFO_NOTIF"
	case NewCrinfoAck:
		return "NEW_CRINFO_ACK"
	case PeerlistPush:
		return "PEERLIST_PUSH"
	case UnexpectedReq:
		return "UNEXPECTED_REQ"
	case InvalidRequest:
		return "INVALID_REQUEST"
	case NoOp:
		return "NO_OP"
	case ServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// IsRequest reports whether the low bit of the type octet is clear, i.e.
// this is a request type rather than a response type.
func (t MessageType) IsRequest() bool {
	return byte(t)&0x01 == 0
}

const (
	// IDLength is the fixed width of ClusterID and SenderID.
	IDLength = 32

	// HeaderLength is the size of the fixed CTP header: 1-byte type,
	// 4-byte sequence number, 32-byte cluster ID, 32-byte sender ID.
	HeaderLength = 1 + 4 + IDLength + IDLength

	// MaxDatagramSize is the largest CTP datagram the transport will
	// carry without fragmentation.
	MaxDatagramSize = 1400

	// MaxPayloadSize is the largest payload a message may carry.
	MaxPayloadSize = MaxDatagramSize - HeaderLength
)

var (
	// ErrPayloadTooLarge is returned by Encode when the payload exceeds
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("ctp: payload exceeds maximum size")
	// ErrMalformedFrame is returned by Decode when the bytes do not form
	// a valid CTP frame.
	ErrMalformedFrame = errors.New("ctp: malformed frame")
)

// ID is an opaque 32-byte cluster or peer identifier.
type ID [IDLength]byte

func (id ID) String() string {
	return string(id[:])
}

// Message is a single CTP frame: header fields plus payload.
type Message struct {
	Type      MessageType
	Seq       uint32
	ClusterID ID
	SenderID  ID
	Data      []byte
}

// IsRequest reports whether this message is a request.
func (m *Message) IsRequest() bool {
	return m.Type.IsRequest()
}

// Encode serializes m into a wire frame. It fails with ErrPayloadTooLarge
// if the payload would push the frame past MaxDatagramSize.
func Encode(m *Message) ([]byte, error) {
	if len(m.Data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(m.Data), MaxPayloadSize)
	}

	buf := make([]byte, HeaderLength+len(m.Data))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], m.Seq)
	copy(buf[5:5+IDLength], m.ClusterID[:])
	copy(buf[5+IDLength:5+2*IDLength], m.SenderID[:])
	copy(buf[HeaderLength:], m.Data)
	return buf, nil
}

// Decode parses a wire frame into a Message. It fails with
// ErrMalformedFrame if the frame is shorter than the header or larger than
// a valid datagram can be.
func Decode(frame []byte) (*Message, error) {
	if len(frame) < HeaderLength {
		return nil, fmt.Errorf("%w: frame shorter than header (%d < %d)", ErrMalformedFrame, len(frame), HeaderLength)
	}
	if len(frame) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: frame larger than max datagram (%d > %d)", ErrMalformedFrame, len(frame), MaxDatagramSize)
	}

	m := &Message{
		Type: MessageType(frame[0]),
		Seq:  binary.BigEndian.Uint32(frame[1:5]),
	}
	copy(m.ClusterID[:], frame[5:5+IDLength])
	copy(m.SenderID[:], frame[5+IDLength:5+2*IDLength])
	if len(frame) > HeaderLength {
		m.Data = append([]byte(nil), frame[HeaderLength:]...)
	}
	return m, nil
}

// ResponseSeq returns the sequence number a response correlated to a
// request with sequence number reqSeq must carry.
func ResponseSeq(reqSeq uint32) uint32 {
	return reqSeq + 1
}
