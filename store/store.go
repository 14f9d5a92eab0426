// Package store implements the embedded keyspace backing the disk plugin:
// per object snapshot, numbered update log, and metadata records in an
// LSM tree backed KV store.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/golang/glog"

	"github.com/notefold/collab/collab"
)

const SchemaVersion = 1

// ObjectMeta tracks per object log state. It is written atomically with
// every append and compaction.
type ObjectMeta struct {
	NextSeq       uint64
	UpdateCount   uint64
	LogBytes      uint64
	LastFlushAt   int64
	SchemaVersion uint32
}

func (self *ObjectMeta) encode() []byte {
	b := binary.AppendUvarint(nil, self.NextSeq)
	b = binary.AppendUvarint(b, self.UpdateCount)
	b = binary.AppendUvarint(b, self.LogBytes)
	b = binary.AppendVarint(b, self.LastFlushAt)
	b = binary.AppendUvarint(b, uint64(self.SchemaVersion))
	return b
}

func decodeMeta(b []byte) (*ObjectMeta, error) {
	r := bytes.NewReader(b)
	meta := &ObjectMeta{}
	var err error
	if meta.NextSeq, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if meta.UpdateCount, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if meta.LogBytes, err = binary.ReadUvarint(r); err != nil {
		return nil, err
	}
	if meta.LastFlushAt, err = binary.ReadVarint(r); err != nil {
		return nil, err
	}
	schemaVersion, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	meta.SchemaVersion = uint32(schemaVersion)
	return meta, nil
}

// Store wraps one KV database shared by every object of the process. The
// store itself is safe for concurrent use; per object write ordering is
// the disk plugin's job.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", collab.ErrPersistenceFailed, path, err)
	}
	return &Store{db: db}, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) get(key []byte) ([]byte, bool, error) {
	value, closer, err := self.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", collab.ErrPersistenceFailed, err)
	}
	out := append([]byte{}, value...)
	if err := closer.Close(); err != nil {
		return nil, false, fmt.Errorf("%w: get close: %v", collab.ErrPersistenceFailed, err)
	}
	return out, true, nil
}

// Meta loads an object's metadata. A missing record yields a fresh meta
// at the current schema version.
func (self *Store) Meta(workspaceId string, objectId string) (*ObjectMeta, error) {
	b, ok, err := self.get(metaKey(workspaceId, objectId))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ObjectMeta{SchemaVersion: SchemaVersion}, nil
	}
	meta, err := decodeMeta(b)
	if err != nil {
		return nil, fmt.Errorf("%w: meta: %v", collab.ErrPersistenceFailed, err)
	}
	if meta.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: object %s at schema %d, want %d",
			collab.ErrSchemaVersionMismatch, objectId, meta.SchemaVersion, SchemaVersion)
	}
	return meta, nil
}

// Snapshot loads the consolidated snapshot, or ok=false when none exists.
func (self *Store) Snapshot(workspaceId string, objectId string) ([]byte, bool, error) {
	return self.get(snapshotKey(workspaceId, objectId))
}

// AppendUpdate durably appends one update and bumps the metadata in a
// single atomic batch. A crash after return cannot lose the update; a
// crash during the batch leaves either old or new state.
func (self *Store) AppendUpdate(workspaceId string, objectId string, update []byte, flushAt int64) (uint64, error) {
	meta, err := self.Meta(workspaceId, objectId)
	if err != nil {
		return 0, err
	}
	seq := meta.NextSeq
	meta.NextSeq += 1
	meta.UpdateCount += 1
	meta.LogBytes += uint64(len(update))
	meta.LastFlushAt = flushAt

	batch := self.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(updateKey(workspaceId, objectId, seq), update, nil); err != nil {
		return 0, fmt.Errorf("%w: append: %v", collab.ErrPersistenceFailed, err)
	}
	if err := batch.Set(metaKey(workspaceId, objectId), meta.encode(), nil); err != nil {
		return 0, fmt.Errorf("%w: append meta: %v", collab.ErrPersistenceFailed, err)
	}
	if err := self.db.Apply(batch, pebble.Sync); err != nil {
		return 0, fmt.Errorf("%w: append commit: %v", collab.ErrPersistenceFailed, err)
	}
	glog.V(2).Infof("[store]%s upd#%d %db\n", objectId, seq, len(update))
	return seq, nil
}

// Updates iterates the pending update log in sequence order.
func (self *Store) Updates(workspaceId string, objectId string, f func(seq uint64, update []byte) error) error {
	lower, upper := updateKeyRange(workspaceId, objectId)
	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("%w: iter: %v", collab.ErrPersistenceFailed, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, ok := updateSeqFromKey(workspaceId, objectId, iter.Key())
		if !ok {
			continue
		}
		update := append([]byte{}, iter.Value()...)
		if err := f(seq, update); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: iter: %v", collab.ErrPersistenceFailed, err)
	}
	return nil
}

// Compact replaces the update log with a consolidated snapshot: write the
// snapshot, delete updates up to (excluding) nextSeq, and renumber from
// zero, all in one atomic batch. Redundant replay after an interrupted
// compaction is safe by CRDT idempotence.
func (self *Store) Compact(workspaceId string, objectId string, snapshot []byte, flushAt int64) error {
	meta, err := self.Meta(workspaceId, objectId)
	if err != nil {
		return err
	}
	meta.NextSeq = 0
	meta.UpdateCount = 0
	meta.LogBytes = 0
	meta.LastFlushAt = flushAt

	lower, upper := updateKeyRange(workspaceId, objectId)
	batch := self.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(snapshotKey(workspaceId, objectId), snapshot, nil); err != nil {
		return fmt.Errorf("%w: compact snapshot: %v", collab.ErrPersistenceFailed, err)
	}
	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return fmt.Errorf("%w: compact delete: %v", collab.ErrPersistenceFailed, err)
	}
	if err := batch.Set(metaKey(workspaceId, objectId), meta.encode(), nil); err != nil {
		return fmt.Errorf("%w: compact meta: %v", collab.ErrPersistenceFailed, err)
	}
	if err := self.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("%w: compact commit: %v", collab.ErrPersistenceFailed, err)
	}
	glog.V(1).Infof("[store]%s compacted to %db snapshot\n", objectId, len(snapshot))
	return nil
}

// Objects lists the object ids present in a workspace.
func (self *Store) Objects(workspaceId string) ([]string, error) {
	lower, upper := workspacePrefixRange(workspaceId)
	iter, err := self.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", collab.ErrPersistenceFailed, err)
	}
	defer iter.Close()

	objectIds := []string{}
	var last string
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(lower):]
		i := bytes.IndexByte(rest, keySep)
		if i < 0 {
			continue
		}
		objectId := string(rest[:i])
		if objectId != last {
			objectIds = append(objectIds, objectId)
			last = objectId
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", collab.ErrPersistenceFailed, err)
	}
	return objectIds, nil
}

// DeleteObject removes every record of an object.
func (self *Store) DeleteObject(workspaceId string, objectId string) error {
	batch := self.db.NewBatch()
	defer batch.Close()
	lower, upper := updateKeyRange(workspaceId, objectId)
	if err := batch.DeleteRange(lower, upper, nil); err != nil {
		return fmt.Errorf("%w: delete: %v", collab.ErrPersistenceFailed, err)
	}
	if err := batch.Delete(snapshotKey(workspaceId, objectId), nil); err != nil {
		return fmt.Errorf("%w: delete: %v", collab.ErrPersistenceFailed, err)
	}
	if err := batch.Delete(metaKey(workspaceId, objectId), nil); err != nil {
		return fmt.Errorf("%w: delete: %v", collab.ErrPersistenceFailed, err)
	}
	if err := self.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("%w: delete commit: %v", collab.ErrPersistenceFailed, err)
	}
	return nil
}

// SizeEstimate approximates the on disk bytes held by one object's
// records, counting live values.
func (self *Store) SizeEstimate(workspaceId string, objectId string) (int64, error) {
	var total int64
	if snapshot, ok, err := self.Snapshot(workspaceId, objectId); err != nil {
		return 0, err
	} else if ok {
		total += int64(len(snapshot))
	}
	err := self.Updates(workspaceId, objectId, func(seq uint64, update []byte) error {
		total += int64(len(update))
		return nil
	})
	return total, err
}
