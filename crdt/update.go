package crdt

import (
	"encoding/binary"
	"errors"
	"sort"
)

// update binary format
//
// v1:
//     count:uvarint (op)*
// op:
//     client:uvarint clock:uvarint kind:u8 container:lenstr
//     map set:     key:lenstr ts:uvarint value:lenbytes
//     map delete:  key:lenstr ts:uvarint
//     array insert: position value:lenbytes
//     text insert: count:uvarint (position)* text:lenstr
//     list delete: count:uvarint (position)*
//
// v2 prepends a two byte format flag and is otherwise identical. decoders
// accept either version.

// a v1 body beginning with a zero op count is exactly one byte long, so a
// leading zero followed by the version byte can never be valid v1.
var updateFlagV2 = []byte{0x00, 0x02}

var errCorruptUpdate = errors.New("corrupt update")

type byteReader struct {
	b []byte
	i int
}

func (self *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(self.b[self.i:])
	if n <= 0 {
		return 0, errCorruptUpdate
	}
	self.i += n
	return v, nil
}

func (self *byteReader) bytes() ([]byte, error) {
	n, err := self.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(self.b)-self.i) < n {
		return nil, errCorruptUpdate
	}
	out := self.b[self.i : self.i+int(n)]
	self.i += int(n)
	return out, nil
}

func (self *byteReader) str() (string, error) {
	b, err := self.bytes()
	return string(b), err
}

func (self *byteReader) byte() (byte, error) {
	if len(self.b) <= self.i {
		return 0, errCorruptUpdate
	}
	out := self.b[self.i]
	self.i += 1
	return out, nil
}

func (self *byteReader) done() bool {
	return len(self.b) <= self.i
}

func appendLenBytes(b []byte, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

func appendLenStr(b []byte, v string) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

// encodeOps emits ops in the given order. callers sort by (client, clock)
// when a canonical encoding is required.
func encodeOps(ops []*Op) []byte {
	b := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, op := range ops {
		b = binary.AppendUvarint(b, uint64(op.id.Client))
		b = binary.AppendUvarint(b, op.id.Clock)
		b = append(b, byte(op.kind))
		b = appendLenStr(b, op.container)
		switch op.kind {
		case opMapSet:
			b = appendLenStr(b, op.key)
			b = binary.AppendUvarint(b, op.ts)
			b = appendLenBytes(b, op.value)
		case opMapDelete:
			b = appendLenStr(b, op.key)
			b = binary.AppendUvarint(b, op.ts)
		case opArrayInsert:
			b = appendPosition(b, op.positions[0])
			b = appendLenBytes(b, op.value)
		case opTextInsert:
			b = binary.AppendUvarint(b, uint64(len(op.positions)))
			for _, p := range op.positions {
				b = appendPosition(b, p)
			}
			b = appendLenStr(b, op.text)
		case opListDelete:
			b = binary.AppendUvarint(b, uint64(len(op.targets)))
			for _, p := range op.targets {
				b = appendPosition(b, p)
			}
		}
	}
	return b
}

func decodeOps(b []byte) ([]*Op, error) {
	if len(updateFlagV2) <= len(b) && b[0] == updateFlagV2[0] && b[1] == updateFlagV2[1] {
		b = b[len(updateFlagV2):]
	}
	r := &byteReader{b: b}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	ops := []*Op{}
	for i := uint64(0); i < count; i += 1 {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		kindByte, err := r.byte()
		if err != nil {
			return nil, err
		}
		container, err := r.str()
		if err != nil {
			return nil, err
		}
		op := &Op{
			id:        OpID{Client: ClientID(client), Clock: clock},
			kind:      opKind(kindByte),
			container: container,
		}
		switch op.kind {
		case opMapSet:
			if op.key, err = r.str(); err != nil {
				return nil, err
			}
			if op.ts, err = r.uvarint(); err != nil {
				return nil, err
			}
			value, err := r.bytes()
			if err != nil {
				return nil, err
			}
			op.value = append([]byte{}, value...)
		case opMapDelete:
			if op.key, err = r.str(); err != nil {
				return nil, err
			}
			if op.ts, err = r.uvarint(); err != nil {
				return nil, err
			}
		case opArrayInsert:
			p, err := readPosition(r)
			if err != nil {
				return nil, err
			}
			op.positions = []Position{p}
			value, err := r.bytes()
			if err != nil {
				return nil, err
			}
			op.value = append([]byte{}, value...)
		case opTextInsert:
			n, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if maxTextInsertRunes < n {
				return nil, errCorruptUpdate
			}
			op.positions = make([]Position, n)
			for j := uint64(0); j < n; j += 1 {
				if op.positions[j], err = readPosition(r); err != nil {
					return nil, err
				}
			}
			if op.text, err = r.str(); err != nil {
				return nil, err
			}
			if uint64(len([]rune(op.text))) != n {
				return nil, errCorruptUpdate
			}
		case opListDelete:
			n, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if maxListDeleteTargets < n {
				return nil, errCorruptUpdate
			}
			op.targets = make([]Position, n)
			for j := uint64(0); j < n; j += 1 {
				if op.targets[j], err = readPosition(r); err != nil {
					return nil, err
				}
			}
		default:
			return nil, errCorruptUpdate
		}
		ops = append(ops, op)
	}
	if !r.done() {
		return nil, errCorruptUpdate
	}
	return ops, nil
}

const maxTextInsertRunes = 1 << 24
const maxListDeleteTargets = 1 << 24

// encodeUpdateV1 encodes ops without a version flag.
func encodeUpdateV1(ops []*Op) []byte {
	return encodeOps(ops)
}

// encodeUpdateV2 encodes ops with the v2 format flag.
func encodeUpdateV2(ops []*Op) []byte {
	return append(append([]byte{}, updateFlagV2...), encodeOps(ops)...)
}

func sortOpsCanonical(ops []*Op) {
	sort.SliceStable(ops, func(i int, j int) bool {
		a := ops[i].id
		b := ops[j].id
		if a.Client != b.Client {
			return a.Client < b.Client
		}
		return a.Clock < b.Clock
	})
}

// UpdateStateVector reports the highest clock per client carried by an
// encoded update.
func UpdateStateVector(update []byte) (StateVector, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	for _, op := range ops {
		if sv[op.id.Client] < op.id.Clock {
			sv[op.id.Client] = op.id.Clock
		}
	}
	return sv, nil
}

// MergeUpdates merges encoded updates into one equivalent compacted update.
// Duplicate operations are dropped and the result is canonically ordered.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := map[OpID]bool{}
	merged := []*Op{}
	for _, update := range updates {
		ops, err := decodeOps(update)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if seen[op.id] {
				continue
			}
			seen[op.id] = true
			merged = append(merged, op)
		}
	}
	sortOpsCanonical(merged)
	return encodeUpdateV1(merged), nil
}
