package disk

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/notefold/collab/collab"
	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/entity"
	"github.com/notefold/collab/store"
)

func openTestStore(t *testing.T) *store.Store {
	kv, err := store.Open(t.TempDir())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		kv.Close()
	})
	return kv
}

func newDiskCollab(t *testing.T, kv *store.Store, object *entity.CollabObject, settings *DiskPluginSettings) *collab.Collab {
	plugin := NewDiskPluginWithSettings(object, kv, settings)
	c, err := collab.NewCollab(object, entity.ClientOrigin(1, "device-1"), []collab.Plugin{plugin})
	assert.Equal(t, err, nil)
	assert.Equal(t, c.Initialize(), nil)
	return c
}

func insertText(t *testing.T, c *collab.Collab, s string) {
	err := c.Mutate(func(tx *crdt.Txn) error {
		return tx.Doc().GetText("text").Push(tx, s)
	})
	assert.Equal(t, err, nil)
}

func readText(c *collab.Collab) string {
	var out string
	c.Read(func(doc *crdt.Doc) {
		out = doc.GetText("text").String()
	})
	return out
}

func TestDurabilityAcrossReopen(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	c := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	for i := 0; i < 5; i += 1 {
		insertText(t, c, fmt.Sprintf("%d", i))
	}
	expect := readText(c)
	c.Close()

	// a second collab over the same keyspace observes every mutation
	reopened := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	defer reopened.Close()
	assert.Equal(t, expect, readText(reopened))
}

func TestAppendsWithoutCloseAreDurable(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	c := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	insertText(t, c, "must survive")
	// flush drains the writer queue without tearing down, simulating the
	// state an abrupt process death would find on disk
	c.Flush()

	meta, err := kv.Meta(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, int64(0), int64(meta.UpdateCount))
	snapshot, ok, err := kv.Snapshot(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)
	assert.NotEqual(t, 0, len(snapshot))
	c.Close()
}

func TestCompactionUnderLoad(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	settings := DefaultDiskPluginSettings()
	c := newDiskCollab(t, kv, object, settings)
	for i := 0; i < 250; i += 1 {
		insertText(t, c, "x")
	}
	expect := readText(c)
	c.Close()

	// compaction fired: the live log is well under the trigger threshold
	meta, err := kv.Meta(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, meta.UpdateCount < settings.CompactUpdateThreshold)
	_, ok, err := kv.Snapshot(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, ok)

	// restart produces the identical document
	reopened := newDiskCollab(t, kv, object, settings)
	assert.Equal(t, expect, readText(reopened))

	// after a final flush the on disk bytes are bounded by the snapshot
	reopened.Flush()
	snapshot, _, err := kv.Snapshot(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	size, err := kv.SizeEstimate(object.WorkspaceId, object.ObjectId)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, size <= int64(float64(len(snapshot))*1.2))
	reopened.Close()
}

func TestInterruptedCompactionReplaysRedundantly(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	c := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	insertText(t, c, "overlap")
	expect := readText(c)

	// simulate a compaction that wrote the snapshot but left the log:
	// write the snapshot by hand without deleting updates
	encoded := c.EncodeCollab()
	err := kv.Compact(object.WorkspaceId, object.ObjectId, encoded.EncodeToBytes(), 0)
	assert.Equal(t, err, nil)
	_, err = kv.AppendUpdate(object.WorkspaceId, object.ObjectId, c.EncodeStateAsUpdate(crdt.StateVector{}), 0)
	assert.Equal(t, err, nil)
	c.Close()

	// both snapshot and overlapping update apply; redundant apply is safe
	reopened := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	defer reopened.Close()
	assert.Equal(t, expect, readText(reopened))
}

func TestCorruptLogEntryIsDropped(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	c := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	insertText(t, c, "good")
	c.Close()

	_, err := kv.AppendUpdate(object.WorkspaceId, object.ObjectId, []byte{0xde, 0xad}, 0)
	assert.Equal(t, err, nil)

	reopened := newDiskCollab(t, kv, object, DefaultDiskPluginSettings())
	defer reopened.Close()
	assert.Equal(t, "good", readText(reopened))
}

func TestWriteOrderMatchesCommitOrder(t *testing.T) {
	kv := openTestStore(t)
	object := entity.NewCollabObject(entity.NewObjectId(), entity.CollabTypeDocument, "w1")

	settings := DefaultDiskPluginSettings()
	// avoid compaction so the full log is observable
	settings.CompactUpdateThreshold = 1 << 30
	settings.CompactByteThreshold = 1 << 30
	c := newDiskCollab(t, kv, object, settings)

	commits := [][]byte{}
	c.OnUpdate(func(origin entity.Origin, update []byte) {
		commits = append(commits, update)
	})
	for i := 0; i < 10; i += 1 {
		insertText(t, c, fmt.Sprintf("%d", i))
	}
	// drain the writer before reading the log
	flushDone := make(chan struct{})
	go func() {
		c.Flush()
		close(flushDone)
	}()
	<-flushDone
	c.Close()

	// flush compacts, so verify against the reopened document instead
	reopened := newDiskCollab(t, kv, object, settings)
	defer reopened.Close()
	assert.Equal(t, "0123456789", readText(reopened))
	assert.Equal(t, 10, len(commits))
}
