// Package protocol defines the realtime wire messages exchanged between a
// collab client and the sync authority, encoded in protobuf wire format.
package protocol

import (
	"github.com/notefold/collab/entity"
)

// MessageType discriminates the payload carried by a RealtimeMessage.
// Values are part of the wire contract.
type MessageType uint32

const (
	MessageTypeUnknown             MessageType = 0
	MessageTypeClientInitSync      MessageType = 1
	MessageTypeClientUpdateSync    MessageType = 2
	MessageTypeServerInitSync      MessageType = 3
	MessageTypeCollabAck           MessageType = 4
	MessageTypeAwarenessSync       MessageType = 5
	MessageTypeBroadcastSync       MessageType = 6
	MessageTypeCollabStateCheck    MessageType = 7
	MessageTypeRateLimit           MessageType = 8
	MessageTypeKickOff             MessageType = 9
	MessageTypeDuplicateConnection MessageType = 10
	MessageTypeClientCollectionV1  MessageType = 11
	MessageTypeClientCollectionV2  MessageType = 12
	MessageTypeAuth                MessageType = 13
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeClientInitSync:
		return "ClientInitSync"
	case MessageTypeClientUpdateSync:
		return "ClientUpdateSync"
	case MessageTypeServerInitSync:
		return "ServerInitSync"
	case MessageTypeCollabAck:
		return "CollabAck"
	case MessageTypeAwarenessSync:
		return "AwarenessSync"
	case MessageTypeBroadcastSync:
		return "BroadcastSync"
	case MessageTypeCollabStateCheck:
		return "CollabStateCheck"
	case MessageTypeRateLimit:
		return "RateLimit"
	case MessageTypeKickOff:
		return "KickOff"
	case MessageTypeDuplicateConnection:
		return "DuplicateConnection"
	case MessageTypeClientCollectionV1:
		return "ClientCollectionV1"
	case MessageTypeClientCollectionV2:
		return "ClientCollectionV2"
	case MessageTypeAuth:
		return "Auth"
	default:
		return "Unknown"
	}
}

// RealtimeMessage is the envelope every frame on the wire is wrapped in.
type RealtimeMessage struct {
	MessageType  MessageType
	MessageBytes []byte
}

// ClientInitSync opens (or re-opens) sync for one object. The payload is
// the client's encoded state vector.
type ClientInitSync struct {
	Origin      entity.Origin
	ObjectId    string
	CollabType  int32
	WorkspaceId string
	MsgId       uint64
	Payload     []byte
}

// ClientUpdateSync streams one locally committed update to the server.
type ClientUpdateSync struct {
	Origin   entity.Origin
	ObjectId string
	MsgId    uint64
	Payload  []byte
}

// ServerInitSync answers a ClientInitSync with the delta the client lacks.
type ServerInitSync struct {
	Origin   entity.Origin
	ObjectId string
	MsgId    uint64
	Payload  []byte
}

// ack codes. zero is success; nonzero classifies the failure.
const (
	AckCodeOk               uint32 = 0
	AckCodeInternal         uint32 = 1
	AckCodeRetry            uint32 = 2
	AckCodeObjectNotFound   uint32 = 100
	AckCodePermissionDenied uint32 = 101
	AckCodeSchemaMismatch   uint32 = 102
)

// AckCodeRetryable reports whether a nonzero ack code is transient.
func AckCodeRetryable(code uint32) bool {
	switch code {
	case AckCodeInternal, AckCodeRetry:
		return true
	default:
		return false
	}
}

// CollabAck acknowledges one client message. SeqNum is a per message
// monotonic counter independent of BroadcastSync sequence numbers.
type CollabAck struct {
	Origin   entity.Origin
	ObjectId string
	MsgId    uint64
	Code     uint32
	SeqNum   uint32
}

// AwarenessSync carries ephemeral presence state. Never persisted.
type AwarenessSync struct {
	Origin   entity.Origin
	ObjectId string
	Payload  []byte
}

// BroadcastSync fans a committed update out to every subscriber of an
// object. SeqNum is strictly increasing per object.
type BroadcastSync struct {
	Origin   entity.Origin
	ObjectId string
	SeqNum   uint32
	Payload  []byte
}

// CollabStateCheck is a reserved frame. It decodes but the client takes no
// action on it.
type CollabStateCheck struct {
	Origin   entity.Origin
	ObjectId string
	Payload  []byte
}

// RateLimit asks the client to pause outbound traffic. Limit is the
// advised pause in milliseconds; zero means use the client default.
type RateLimit struct {
	Limit uint64
}

// KickOff force-closes sync for one object. Terminal.
type KickOff struct {
	ObjectId string
	Reason   string
}

// DuplicateConnection rejects a second connection for the same device.
// Terminal for the rejected connection.
type DuplicateConnection struct {
	ObjectId string
}

// Auth is the first frame on a new connection. The server echoes it back
// verbatim on success.
type Auth struct {
	Token      string
	DeviceId   string
	AppVersion string
}

// ClientCollectionV1 batches messages as an ordered list.
type ClientCollectionV1 struct {
	Messages []*RealtimeMessage
}

// ClientCollectionV2 batches messages keyed by object id.
type ClientCollectionV2 struct {
	ByObjectId map[string]*RealtimeMessage
}
