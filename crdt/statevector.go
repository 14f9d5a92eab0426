package crdt

import (
	"encoding/binary"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// StateVector maps each known client to the highest contiguous clock
// observed from that client.
type StateVector map[ClientID]uint64

func (self StateVector) Clone() StateVector {
	out := make(StateVector, len(self))
	maps.Copy(out, self)
	return out
}

// Includes reports whether every operation counted by other is also
// counted by self.
func (self StateVector) Includes(other StateVector) bool {
	for client, clock := range other {
		if self[client] < clock {
			return false
		}
	}
	return true
}

// Merge raises self to the pointwise maximum of both vectors.
func (self StateVector) Merge(other StateVector) {
	for client, clock := range other {
		if self[client] < clock {
			self[client] = clock
		}
	}
}

func (self StateVector) Equal(other StateVector) bool {
	return self.Includes(other) && other.Includes(self)
}

// Encode emits the vector as sorted (client, clock) uvarint pairs. Sorting
// keeps the encoding canonical across replicas.
func (self StateVector) Encode() []byte {
	clients := maps.Keys(self)
	slices.Sort(clients)
	b := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, client := range clients {
		b = binary.AppendUvarint(b, uint64(client))
		b = binary.AppendUvarint(b, self[client])
	}
	return b
}

func DecodeStateVector(b []byte) (StateVector, error) {
	r := &byteReader{b: b}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i += 1 {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[ClientID(client)] = clock
	}
	return sv, nil
}
