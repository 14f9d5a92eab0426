package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/notefold/collab/entity"
)

// hand rolled protobuf wire codec. the schema is small and stable, so the
// fields are appended and consumed directly with protowire rather than
// through generated bindings. unknown fields are skipped on decode, which
// also covers the deprecated AckMeta tag.

var errTruncated = fmt.Errorf("truncated message")

func parseErr(n int) error {
	if err := protowire.ParseError(n); err != nil {
		return err
	}
	return errTruncated
}

// walkFields drives a standard decode loop: for each tag, the handler
// consumes the value, or returns n == 0 to have the field skipped.
func walkFields(b []byte, handle func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(n)
		}
		b = b[n:]
		n, err := handle(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return parseErr(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseErr(n)
	}
	return v, n, nil
}

func consumeString(b []byte) (string, int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, parseErr(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseErr(n)
	}
	return append([]byte{}, v...), n, nil
}

// origin fields: kind=1, uid=2, device_id=3

func appendOrigin(b []byte, origin entity.Origin) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(origin.Kind))
	if origin.Kind == entity.OriginClient {
		inner = protowire.AppendTag(inner, 2, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(origin.Uid))
		inner = protowire.AppendTag(inner, 3, protowire.BytesType)
		inner = protowire.AppendString(inner, origin.DeviceId)
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func unmarshalOrigin(b []byte) (entity.Origin, error) {
	origin := entity.Origin{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			origin.Kind = entity.OriginKind(v)
			return n, nil
		case 2:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			origin.Uid = int64(v)
			return n, nil
		case 3:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			origin.DeviceId = v
			return n, nil
		}
		return 0, nil
	})
	return origin, err
}

// collab sync messages share the leading fields
// origin=1, object_id=2, msg_id=3

func appendObjectId(b []byte, objectId string) []byte {
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, objectId)
}

func appendMsgId(b []byte, msgId uint64) []byte {
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, msgId)
}

func appendField(b []byte, num protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (self *ClientInitSync) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	b = appendMsgId(b, self.MsgId)
	b = appendVarintField(b, 4, uint64(self.CollabType))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, self.WorkspaceId)
	return appendField(b, 6, self.Payload)
}

func (self *ClientInitSync) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 3:
			self.MsgId, n, err = consumeVarint(b)
		case 4:
			var v uint64
			if v, n, err = consumeVarint(b); err == nil {
				self.CollabType = int32(v)
			}
		case 5:
			self.WorkspaceId, n, err = consumeString(b)
		case 6:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *ClientUpdateSync) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	b = appendMsgId(b, self.MsgId)
	return appendField(b, 4, self.Payload)
}

func (self *ClientUpdateSync) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 3:
			self.MsgId, n, err = consumeVarint(b)
		case 4:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *ServerInitSync) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	b = appendMsgId(b, self.MsgId)
	return appendField(b, 4, self.Payload)
}

func (self *ServerInitSync) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 3:
			self.MsgId, n, err = consumeVarint(b)
		case 4:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *CollabAck) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	b = appendMsgId(b, self.MsgId)
	b = appendVarintField(b, 4, uint64(self.Code))
	return appendVarintField(b, 5, uint64(self.SeqNum))
}

func (self *CollabAck) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 3:
			self.MsgId, n, err = consumeVarint(b)
		case 4:
			var v uint64
			if v, n, err = consumeVarint(b); err == nil {
				self.Code = uint32(v)
			}
		case 5:
			var v uint64
			if v, n, err = consumeVarint(b); err == nil {
				self.SeqNum = uint32(v)
			}
		}
		return n, err
	})
}

func (self *AwarenessSync) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	return appendField(b, 4, self.Payload)
}

func (self *AwarenessSync) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 4:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *BroadcastSync) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	b = appendVarintField(b, 4, uint64(self.SeqNum))
	return appendField(b, 5, self.Payload)
}

func (self *BroadcastSync) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 4:
			var v uint64
			if v, n, err = consumeVarint(b); err == nil {
				self.SeqNum = uint32(v)
			}
		case 5:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *CollabStateCheck) marshal() []byte {
	b := appendOrigin(nil, self.Origin)
	b = appendObjectId(b, self.ObjectId)
	return appendField(b, 4, self.Payload)
}

func (self *CollabStateCheck) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(b); err == nil {
				self.Origin, err = unmarshalOrigin(raw)
			}
		case 2:
			self.ObjectId, n, err = consumeString(b)
		case 4:
			self.Payload, n, err = consumeBytes(b)
		}
		return n, err
	})
}

func (self *RateLimit) marshal() []byte {
	return appendVarintField(nil, 1, self.Limit)
}

func (self *RateLimit) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			self.Limit = v
			return n, nil
		}
		return 0, nil
	})
}

func (self *KickOff) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, self.ObjectId)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendString(b, self.Reason)
}

func (self *KickOff) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			self.ObjectId, n, err = consumeString(b)
		case 2:
			self.Reason, n, err = consumeString(b)
		}
		return n, err
	})
}

func (self *DuplicateConnection) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, self.ObjectId)
}

func (self *DuplicateConnection) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var err error
			var n int
			self.ObjectId, n, err = consumeString(b)
			return n, err
		}
		return 0, nil
	})
}

func (self *Auth) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, self.Token)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, self.DeviceId)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendString(b, self.AppVersion)
}

func (self *Auth) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var err error
		var n int
		switch num {
		case 1:
			self.Token, n, err = consumeString(b)
		case 2:
			self.DeviceId, n, err = consumeString(b)
		case 3:
			self.AppVersion, n, err = consumeString(b)
		}
		return n, err
	})
}

func (self *ClientCollectionV1) marshal() []byte {
	var b []byte
	for _, message := range self.Messages {
		b = appendField(b, 1, EncodeRealtimeMessage(message))
	}
	return b
}

func (self *ClientCollectionV1) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			raw, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			message, err := DecodeRealtimeMessage(raw)
			if err != nil {
				return 0, err
			}
			self.Messages = append(self.Messages, message)
			return n, nil
		}
		return 0, nil
	})
}

func (self *ClientCollectionV2) marshal() []byte {
	var b []byte
	for objectId, message := range self.ByObjectId {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, objectId)
		entry = appendField(entry, 2, EncodeRealtimeMessage(message))
		b = appendField(b, 1, entry)
	}
	return b
}

func (self *ClientCollectionV2) unmarshal(b []byte) error {
	if self.ByObjectId == nil {
		self.ByObjectId = map[string]*RealtimeMessage{}
	}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		entry, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		var objectId string
		var message *RealtimeMessage
		err = walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				var err error
				var n int
				objectId, n, err = consumeString(b)
				return n, err
			case 2:
				raw, n, err := consumeBytes(b)
				if err != nil {
					return 0, err
				}
				message, err = DecodeRealtimeMessage(raw)
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		if message != nil {
			self.ByObjectId[objectId] = message
		}
		return n, nil
	})
}
