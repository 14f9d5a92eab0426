package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is any of the typed realtime payloads.
type Message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// ToRealtimeMessage wraps a typed payload in the wire envelope.
func ToRealtimeMessage(message Message) (*RealtimeMessage, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *ClientInitSync:
		messageType = MessageTypeClientInitSync
	case *ClientUpdateSync:
		messageType = MessageTypeClientUpdateSync
	case *ServerInitSync:
		messageType = MessageTypeServerInitSync
	case *CollabAck:
		messageType = MessageTypeCollabAck
	case *AwarenessSync:
		messageType = MessageTypeAwarenessSync
	case *BroadcastSync:
		messageType = MessageTypeBroadcastSync
	case *CollabStateCheck:
		messageType = MessageTypeCollabStateCheck
	case *RateLimit:
		messageType = MessageTypeRateLimit
	case *KickOff:
		messageType = MessageTypeKickOff
	case *DuplicateConnection:
		messageType = MessageTypeDuplicateConnection
	case *ClientCollectionV1:
		messageType = MessageTypeClientCollectionV1
	case *ClientCollectionV2:
		messageType = MessageTypeClientCollectionV2
	case *Auth:
		messageType = MessageTypeAuth
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	return &RealtimeMessage{
		MessageType:  messageType,
		MessageBytes: message.marshal(),
	}, nil
}

func RequireToRealtimeMessage(message Message) *RealtimeMessage {
	realtimeMessage, err := ToRealtimeMessage(message)
	if err != nil {
		panic(err)
	}
	return realtimeMessage
}

// FromRealtimeMessage unwraps the envelope into a typed payload.
func FromRealtimeMessage(realtimeMessage *RealtimeMessage) (Message, error) {
	var message Message
	switch realtimeMessage.MessageType {
	case MessageTypeClientInitSync:
		message = &ClientInitSync{}
	case MessageTypeClientUpdateSync:
		message = &ClientUpdateSync{}
	case MessageTypeServerInitSync:
		message = &ServerInitSync{}
	case MessageTypeCollabAck:
		message = &CollabAck{}
	case MessageTypeAwarenessSync:
		message = &AwarenessSync{}
	case MessageTypeBroadcastSync:
		message = &BroadcastSync{}
	case MessageTypeCollabStateCheck:
		message = &CollabStateCheck{}
	case MessageTypeRateLimit:
		message = &RateLimit{}
	case MessageTypeKickOff:
		message = &KickOff{}
	case MessageTypeDuplicateConnection:
		message = &DuplicateConnection{}
	case MessageTypeClientCollectionV1:
		message = &ClientCollectionV1{}
	case MessageTypeClientCollectionV2:
		message = &ClientCollectionV2{}
	case MessageTypeAuth:
		message = &Auth{}
	default:
		return nil, fmt.Errorf("unknown message type: %s", realtimeMessage.MessageType)
	}
	if err := message.unmarshal(realtimeMessage.MessageBytes); err != nil {
		return nil, err
	}
	return message, nil
}

// envelope fields: message_type=1, message_bytes=2

func EncodeRealtimeMessage(realtimeMessage *RealtimeMessage) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(realtimeMessage.MessageType))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, realtimeMessage.MessageBytes)
}

func DecodeRealtimeMessage(b []byte) (*RealtimeMessage, error) {
	realtimeMessage := &RealtimeMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			realtimeMessage.MessageType = MessageType(v)
			return n, nil
		case 2:
			raw, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			realtimeMessage.MessageBytes = raw
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return realtimeMessage, nil
}

// EncodeMessage encodes a typed payload straight to envelope bytes.
func EncodeMessage(message Message) ([]byte, error) {
	realtimeMessage, err := ToRealtimeMessage(message)
	if err != nil {
		return nil, err
	}
	return EncodeRealtimeMessage(realtimeMessage), nil
}

// DecodeMessage decodes envelope bytes to a typed payload.
func DecodeMessage(b []byte) (Message, error) {
	realtimeMessage, err := DecodeRealtimeMessage(b)
	if err != nil {
		return nil, err
	}
	return FromRealtimeMessage(realtimeMessage)
}
