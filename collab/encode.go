package collab

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/notefold/collab/crdt"
)

// EncoderVersion selects the encoded state envelope format.
type EncoderVersion uint8

const (
	EncoderVersionV1 EncoderVersion = 1
	EncoderVersionV2 EncoderVersion = 2
)

// encodedCollabFlagV2 opens a v2 envelope. a v1 body always begins with a
// nonzero state vector length, so the leading zero is unambiguous.
var encodedCollabFlagV2 = []byte{0x00, 0x02}

// EncodedCollab is the canonical binary envelope for a replica's full
// state: the state vector plus the document update bytes. It is used both
// on disk and on the wire.
type EncodedCollab struct {
	StateVector []byte
	DocState    []byte
	Version     EncoderVersion
}

func NewEncodedCollabV1(stateVector []byte, docState []byte) *EncodedCollab {
	return &EncodedCollab{
		StateVector: stateVector,
		DocState:    docState,
		Version:     EncoderVersionV1,
	}
}

func NewEncodedCollabV2(stateVector []byte, docState []byte) *EncodedCollab {
	return &EncodedCollab{
		StateVector: stateVector,
		DocState:    docState,
		Version:     EncoderVersionV2,
	}
}

// EncodeToBytes emits the envelope in its configured version: length
// prefixed state vector and doc state, with the v2 structural flag
// prepended for EncoderVersionV2.
func (self *EncodedCollab) EncodeToBytes() []byte {
	var b []byte
	if self.Version == EncoderVersionV2 {
		b = append(b, encodedCollabFlagV2...)
	}
	b = binary.AppendUvarint(b, uint64(len(self.StateVector)))
	b = append(b, self.StateVector...)
	b = binary.AppendUvarint(b, uint64(len(self.DocState)))
	b = append(b, self.DocState...)
	return b
}

// DecodeFromBytes accepts either envelope version.
func DecodeFromBytes(b []byte) (*EncodedCollab, error) {
	version := EncoderVersionV1
	if 2 <= len(b) && b[0] == encodedCollabFlagV2[0] && b[1] == encodedCollabFlagV2[1] {
		version = EncoderVersionV2
		b = b[2:]
	}
	r := bytes.NewReader(b)
	stateVector, err := readLenBytes(r)
	if err != nil {
		return nil, fmt.Errorf("encoded collab state vector: %w", err)
	}
	docState, err := readLenBytes(r)
	if err != nil {
		return nil, fmt.Errorf("encoded collab doc state: %w", err)
	}
	if 0 < r.Len() {
		return nil, fmt.Errorf("encoded collab: %d trailing bytes", r.Len())
	}
	return &EncodedCollab{
		StateVector: stateVector,
		DocState:    docState,
		Version:     version,
	}, nil
}

func readLenBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if uint64(r.Len()) < n {
		return nil, fmt.Errorf("truncated at %d bytes", n)
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeDoc(doc *crdt.Doc, version EncoderVersion) *EncodedCollab {
	sv := doc.StateVector().Encode()
	var docState []byte
	if version == EncoderVersionV2 {
		docState = doc.EncodeStateAsUpdateV2(crdt.StateVector{})
		return NewEncodedCollabV2(sv, docState)
	}
	docState = doc.EncodeStateAsUpdateV1(crdt.StateVector{})
	return NewEncodedCollabV1(sv, docState)
}

// RestoreDoc applies an encoded envelope's doc state to the given doc.
func RestoreDoc(doc *crdt.Doc, encoded *EncodedCollab) error {
	_, err := doc.ApplyUpdate(encoded.DocState)
	return err
}
