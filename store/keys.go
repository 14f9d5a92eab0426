package store

import (
	"encoding/binary"
)

// key layout, partitioned by (workspace, object):
//
//     {workspace}/{object_id}/meta
//     {workspace}/{object_id}/snap
//     {workspace}/{object_id}/upd/{seq:u64 big-endian}
//
// the big endian sequence keeps the update log iterable in append order.

const (
	keySep        = '/'
	keyMetaSuffix = "meta"
	keySnapSuffix = "snap"
	keyUpdPrefix  = "upd/"
)

func objectPrefix(workspaceId string, objectId string) []byte {
	b := make([]byte, 0, len(workspaceId)+len(objectId)+2)
	b = append(b, workspaceId...)
	b = append(b, keySep)
	b = append(b, objectId...)
	b = append(b, keySep)
	return b
}

func metaKey(workspaceId string, objectId string) []byte {
	return append(objectPrefix(workspaceId, objectId), keyMetaSuffix...)
}

func snapshotKey(workspaceId string, objectId string) []byte {
	return append(objectPrefix(workspaceId, objectId), keySnapSuffix...)
}

func updateKey(workspaceId string, objectId string, seq uint64) []byte {
	b := append(objectPrefix(workspaceId, objectId), keyUpdPrefix...)
	return binary.BigEndian.AppendUint64(b, seq)
}

// updateKeyRange bounds the whole update log for an object.
func updateKeyRange(workspaceId string, objectId string) ([]byte, []byte) {
	lower := append(objectPrefix(workspaceId, objectId), keyUpdPrefix...)
	upper := append(objectPrefix(workspaceId, objectId), keyUpdPrefix...)
	upper = binary.BigEndian.AppendUint64(upper, ^uint64(0))
	// the upper bound is exclusive; the sentinel byte covers the max seq
	upper = append(upper, 0xff)
	return lower, upper
}

// workspacePrefixRange bounds every key of a workspace.
func workspacePrefixRange(workspaceId string) ([]byte, []byte) {
	lower := append([]byte(workspaceId), keySep)
	upper := append([]byte(workspaceId), keySep+1)
	return lower, upper
}

func updateSeqFromKey(workspaceId string, objectId string, key []byte) (uint64, bool) {
	prefix := append(objectPrefix(workspaceId, objectId), keyUpdPrefix...)
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}
