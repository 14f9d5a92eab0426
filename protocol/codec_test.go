package protocol

import (
	"bytes"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/notefold/collab/entity"
)

func roundTrip(t *testing.T, message Message) Message {
	b, err := EncodeMessage(message)
	assert.Equal(t, err, nil)
	decoded, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	return decoded
}

func TestClientInitSyncRoundTrip(t *testing.T) {
	message := &ClientInitSync{
		Origin:      entity.ClientOrigin(42, "device-1"),
		ObjectId:    "o1",
		CollabType:  int32(entity.CollabTypeDocument),
		WorkspaceId: "w1",
		MsgId:       7,
		Payload:     []byte{1, 2, 3},
	}
	decoded := roundTrip(t, message).(*ClientInitSync)
	assert.Equal(t, message.Origin, decoded.Origin)
	assert.Equal(t, message.ObjectId, decoded.ObjectId)
	assert.Equal(t, message.CollabType, decoded.CollabType)
	assert.Equal(t, message.WorkspaceId, decoded.WorkspaceId)
	assert.Equal(t, message.MsgId, decoded.MsgId)
	assert.Equal(t, true, bytes.Equal(message.Payload, decoded.Payload))
}

func TestOriginVariants(t *testing.T) {
	for _, origin := range []entity.Origin{
		entity.EmptyOrigin(),
		entity.ServerOrigin(),
		entity.ClientOrigin(-5, "d"),
	} {
		message := &ClientUpdateSync{
			Origin:   origin,
			ObjectId: "o",
			MsgId:    1,
			Payload:  []byte("u"),
		}
		decoded := roundTrip(t, message).(*ClientUpdateSync)
		assert.Equal(t, true, origin.Equal(decoded.Origin))
	}
}

func TestAckRoundTrip(t *testing.T) {
	message := &CollabAck{
		Origin:   entity.ServerOrigin(),
		ObjectId: "o1",
		MsgId:    9,
		Code:     AckCodeSchemaMismatch,
		SeqNum:   1234,
	}
	decoded := roundTrip(t, message).(*CollabAck)
	assert.Equal(t, message.MsgId, decoded.MsgId)
	assert.Equal(t, message.Code, decoded.Code)
	assert.Equal(t, message.SeqNum, decoded.SeqNum)
}

func TestBroadcastRoundTrip(t *testing.T) {
	message := &BroadcastSync{
		Origin:   entity.ClientOrigin(1, "other-device"),
		ObjectId: "o1",
		SeqNum:   55,
		Payload:  []byte{9, 9, 9},
	}
	decoded := roundTrip(t, message).(*BroadcastSync)
	assert.Equal(t, message.SeqNum, decoded.SeqNum)
	assert.Equal(t, true, bytes.Equal(message.Payload, decoded.Payload))
	assert.Equal(t, true, message.Origin.Equal(decoded.Origin))
}

func TestSystemMessages(t *testing.T) {
	rateLimit := roundTrip(t, &RateLimit{Limit: 3000}).(*RateLimit)
	assert.Equal(t, uint64(3000), rateLimit.Limit)

	kickOff := roundTrip(t, &KickOff{ObjectId: "o1", Reason: "workspace closed"}).(*KickOff)
	assert.Equal(t, "o1", kickOff.ObjectId)
	assert.Equal(t, "workspace closed", kickOff.Reason)

	duplicate := roundTrip(t, &DuplicateConnection{ObjectId: "o1"}).(*DuplicateConnection)
	assert.Equal(t, "o1", duplicate.ObjectId)
}

func TestAuthEcho(t *testing.T) {
	auth := &Auth{Token: "jwt", DeviceId: "d1", AppVersion: "1.2.3"}
	b, err := EncodeMessage(auth)
	assert.Equal(t, err, nil)
	// the server echoes auth bytes verbatim; encoding must be deterministic
	b2, err := EncodeMessage(auth)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, bytes.Equal(b, b2))
}

func TestCollectionV1RoundTrip(t *testing.T) {
	inner1 := RequireToRealtimeMessage(&ClientUpdateSync{ObjectId: "a", MsgId: 1, Payload: []byte("x")})
	inner2 := RequireToRealtimeMessage(&ClientUpdateSync{ObjectId: "b", MsgId: 2, Payload: []byte("y")})
	decoded := roundTrip(t, &ClientCollectionV1{Messages: []*RealtimeMessage{inner1, inner2}}).(*ClientCollectionV1)
	assert.Equal(t, 2, len(decoded.Messages))
	first, err := FromRealtimeMessage(decoded.Messages[0])
	assert.Equal(t, err, nil)
	assert.Equal(t, "a", first.(*ClientUpdateSync).ObjectId)
}

func TestCollectionV2RoundTrip(t *testing.T) {
	collection := &ClientCollectionV2{
		ByObjectId: map[string]*RealtimeMessage{
			"a": RequireToRealtimeMessage(&ClientUpdateSync{ObjectId: "a", MsgId: 1}),
			"b": RequireToRealtimeMessage(&AwarenessSync{ObjectId: "b", Payload: []byte("p")}),
		},
	}
	decoded := roundTrip(t, collection).(*ClientCollectionV2)
	assert.Equal(t, 2, len(decoded.ByObjectId))
	message, err := FromRealtimeMessage(decoded.ByObjectId["b"])
	assert.Equal(t, err, nil)
	assert.Equal(t, "b", message.(*AwarenessSync).ObjectId)
}

func TestUnknownFieldsSkipped(t *testing.T) {
	// a payload with an extra unknown tag still decodes. this also covers
	// the deprecated AckMeta field, which is skipped and never consumed.
	ack := &CollabAck{ObjectId: "o1", MsgId: 3}
	raw := ack.marshal()
	// unknown field 99, varint
	raw = append(raw, 0x98, 0x06, 0x01)
	decoded := &CollabAck{}
	err := decoded.unmarshal(raw)
	assert.Equal(t, err, nil)
	assert.Equal(t, ack.ObjectId, decoded.ObjectId)
	assert.Equal(t, ack.MsgId, decoded.MsgId)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte{0xff, 0xff, 0xff, 0xff})
	assert.NotEqual(t, err, nil)
}
