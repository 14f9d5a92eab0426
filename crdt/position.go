package crdt

import (
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
)

// list elements are ordered by dense position identifiers rather than by
// integer indices, so concurrent inserts at the same index converge without
// coordination. a position is a path of (digit, client) pairs compared
// lexicographically. digits at one level never collide for the same client.

const positionBoundary = 32

type positionDigit struct {
	digit  uint32
	client ClientID
}

type Position []positionDigit

func (self Position) Compare(other Position) int {
	n := len(self)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i += 1 {
		a := self[i]
		b := other[i]
		if a.digit < b.digit {
			return -1
		}
		if b.digit < a.digit {
			return 1
		}
		if a.client < b.client {
			return -1
		}
		if b.client < a.client {
			return 1
		}
	}
	if len(self) < len(other) {
		return -1
	}
	if len(other) < len(self) {
		return 1
	}
	return 0
}

func (self Position) Equal(other Position) bool {
	return self.Compare(other) == 0
}

// Key returns a comparable form usable as a map key.
func (self Position) Key() string {
	var b []byte
	for _, d := range self {
		b = binary.BigEndian.AppendUint32(b, d.digit)
		b = binary.BigEndian.AppendUint64(b, uint64(d.client))
	}
	return string(b)
}

func (self Position) String() string {
	parts := make([]string, len(self))
	for i, d := range self {
		parts[i] = fmt.Sprintf("%d.%d", d.digit, d.client)
	}
	return strings.Join(parts, "/")
}

func (self Position) clone() Position {
	out := make(Position, len(self))
	copy(out, self)
	return out
}

func positionDigitAt(p Position, depth int, max bool) uint32 {
	if depth < len(p) {
		return p[depth].digit
	}
	if max {
		return math.MaxUint32
	}
	return 0
}

// positionBetween allocates a new position strictly between left and right
// for the given client. left may be nil (head) and right may be nil (tail).
// the walk copies the left path until it finds a level with room, bounding
// the step so that repeated appends leave room for later inserts.
func positionBetween(left Position, right Position, client ClientID, rng *mathrand.Rand) Position {
	out := Position{}
	for depth := 0; ; depth += 1 {
		lo := positionDigitAt(left, depth, false)
		hi := positionDigitAt(right, depth, true)
		if lo+1 < hi {
			gap := uint64(hi) - uint64(lo) - 1
			step := uint64(positionBoundary)
			if gap < step {
				step = gap
			}
			digit := lo + 1 + uint32(rng.Int63n(int64(step)))
			out = append(out, positionDigit{digit: digit, client: client})
			return out
		}
		// no room at this level. keep the left path and descend.
		if depth < len(left) {
			out = append(out, left[depth])
		} else {
			out = append(out, positionDigit{digit: lo, client: client})
		}
	}
}

func appendPosition(b []byte, p Position) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	for _, d := range p {
		b = binary.AppendUvarint(b, uint64(d.digit))
		b = binary.AppendUvarint(b, uint64(d.client))
	}
	return b
}

func readPosition(r *byteReader) (Position, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if maxPositionDepth < n {
		return nil, errCorruptUpdate
	}
	p := make(Position, n)
	for i := uint64(0); i < n; i += 1 {
		digit, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		p[i] = positionDigit{digit: uint32(digit), client: ClientID(client)}
	}
	return p, nil
}

const maxPositionDepth = 1024
