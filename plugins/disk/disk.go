// Package disk persists every committed update to the embedded store and
// periodically compacts the per object update log into a snapshot.
package disk

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/notefold/collab/collab"
	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/entity"
	"github.com/notefold/collab/store"
)

type DiskPluginSettings struct {
	// compaction triggers
	CompactUpdateThreshold uint64
	CompactByteThreshold   uint64
	// background writer inbox size. beyond this the mediator blocks on
	// the writer, which bounds memory growth under sustained load.
	WriterQueueSize int
	RetryCount      int
	RetryBackoff    time.Duration
	DrainTimeout    time.Duration
}

func DefaultDiskPluginSettings() *DiskPluginSettings {
	return &DiskPluginSettings{
		CompactUpdateThreshold: 200,
		CompactByteThreshold:   4 * 1024 * 1024,
		WriterQueueSize:        256,
		RetryCount:             5,
		RetryBackoff:           100 * time.Millisecond,
		DrainTimeout:           5 * time.Second,
	}
}

// a writerTask is either an update to append or a flush barrier
type writerTask struct {
	update []byte
	flush  chan struct{}
}

// DiskPlugin appends every committed update to the object's log on a
// single writer background task. Disk writes for one object are totally
// ordered and match mediator commit order; flush barriers travel through
// the same queue so they cannot overtake pending appends.
type DiskPlugin struct {
	object   *entity.CollabObject
	kv       *store.Store
	settings *DiskPluginSettings

	// weak backref, set during DidInit. the plugin never owns the collab.
	stateLock sync.Mutex
	collab    *collab.Collab
	started   bool

	tasks     chan writerTask
	stop      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

func NewDiskPlugin(object *entity.CollabObject, kv *store.Store) *DiskPlugin {
	return NewDiskPluginWithSettings(object, kv, DefaultDiskPluginSettings())
}

func NewDiskPluginWithSettings(object *entity.CollabObject, kv *store.Store, settings *DiskPluginSettings) *DiskPlugin {
	return &DiskPlugin{
		object:   object,
		kv:       kv,
		settings: settings,
		tasks:    make(chan writerTask, settings.WriterQueueSize),
		stop:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
}

// Init seeds the document from disk: apply the snapshot, then replay the
// pending update log in sequence order. Replay is idempotent, so a log
// overlapping the snapshot after an interrupted compaction is safe.
func (self *DiskPlugin) Init(doc *crdt.Doc) error {
	snapshot, ok, err := self.kv.Snapshot(self.object.WorkspaceId, self.object.ObjectId)
	if err != nil {
		return err
	}
	if ok {
		encoded, err := collab.DecodeFromBytes(snapshot)
		if err != nil {
			return err
		}
		if err := collab.RestoreDoc(doc, encoded); err != nil {
			return err
		}
	}
	replayed := 0
	err = self.kv.Updates(self.object.WorkspaceId, self.object.ObjectId, func(seq uint64, update []byte) error {
		if _, err := doc.ApplyUpdate(update); err != nil {
			// a corrupt log entry is dropped rather than wedging the
			// object. state vectors re-converge on the next init sync.
			glog.Infof("[disk]%s drop corrupt upd#%d = %s\n", self.object.ObjectId, seq, err)
			return nil
		}
		replayed += 1
		return nil
	})
	if err != nil {
		return err
	}
	if ok || 0 < replayed {
		glog.V(1).Infof("[disk]%s loaded snapshot=%t replayed=%d\n", self.object.ObjectId, ok, replayed)
	}
	return nil
}

func (self *DiskPlugin) DidInit(c *collab.Collab) {
	self.stateLock.Lock()
	self.collab = c
	self.started = true
	self.stateLock.Unlock()
	go self.run()
}

func (self *DiskPlugin) getCollab() *collab.Collab {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.collab
}

func (self *DiskPlugin) isStarted() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.started
}

// ReceiveUpdate runs under the mediator's post commit phase. The update is
// handed to the background writer; when the inbox is over the high
// watermark the send blocks, which applies backpressure to the mediator
// without reordering the log.
func (self *DiskPlugin) ReceiveUpdate(origin entity.Origin, update []byte) {
	if !self.isStarted() {
		self.append(update)
		return
	}
	task := writerTask{update: update}
	select {
	case self.tasks <- task:
	default:
		glog.Infof("[disk]%s writer backpressure\n", self.object.ObjectId)
		select {
		case self.tasks <- task:
		case <-self.stop:
			// teardown raced the write. append inline so it is not lost.
			self.append(update)
		}
	}
}

func (self *DiskPlugin) run() {
	defer close(self.drained)
	for {
		select {
		case task := <-self.tasks:
			self.handle(task)
		case <-self.stop:
			for {
				select {
				case task := <-self.tasks:
					self.handle(task)
				default:
					return
				}
			}
		}
	}
}

func (self *DiskPlugin) handle(task writerTask) {
	if task.flush != nil {
		self.compact()
		close(task.flush)
		return
	}
	self.append(task.update)
	self.maybeCompact()
}

// append writes one update with bounded retry. On exhaustion the error is
// fatal for this object: the collab degrades to read only until restart.
func (self *DiskPlugin) append(update []byte) {
	backoff := self.settings.RetryBackoff
	var err error
	for attempt := 0; attempt < self.settings.RetryCount; attempt += 1 {
		if 0 < attempt {
			time.Sleep(backoff)
			backoff *= 2
		}
		_, err = self.kv.AppendUpdate(self.object.WorkspaceId, self.object.ObjectId, update, time.Now().Unix())
		if err == nil {
			return
		}
		glog.Infof("[disk]%s append attempt %d = %s\n", self.object.ObjectId, attempt, err)
	}
	if c := self.getCollab(); c != nil {
		c.SetReadOnly(err)
	}
}

func (self *DiskPlugin) maybeCompact() {
	meta, err := self.kv.Meta(self.object.WorkspaceId, self.object.ObjectId)
	if err != nil {
		glog.Infof("[disk]%s meta = %s\n", self.object.ObjectId, err)
		return
	}
	if meta.UpdateCount < self.settings.CompactUpdateThreshold && meta.LogBytes < self.settings.CompactByteThreshold {
		return
	}
	self.compact()
}

// compact encodes the live document under a single mediator read and
// atomically replaces the update log with the snapshot. The read must not
// block: a mutator holding the document lock may itself be waiting on the
// writer queue, so a blocked compaction would wedge both. On contention
// the compaction is skipped and retried after the next append.
func (self *DiskPlugin) compact() {
	c := self.getCollab()
	if c == nil {
		return
	}
	var encoded *collab.EncodedCollab
	ok := false
	for attempt := 0; attempt < 3; attempt += 1 {
		if encoded, ok = c.TryEncodeCollab(); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok {
		glog.V(1).Infof("[disk]%s compact skipped, document busy\n", self.object.ObjectId)
		return
	}
	err := self.kv.Compact(self.object.WorkspaceId, self.object.ObjectId, encoded.EncodeToBytes(), time.Now().Unix())
	if err != nil {
		glog.Infof("[disk]%s compact = %s\n", self.object.ObjectId, err)
	}
}

// Flush is the durability barrier: a flush task rides the writer queue
// behind every pending append and consolidates the log into a snapshot.
func (self *DiskPlugin) Flush() {
	if !self.isStarted() {
		return
	}
	done := make(chan struct{})
	select {
	case self.tasks <- writerTask{flush: done}:
	case <-self.stop:
		return
	}
	select {
	case <-done:
	case <-self.drained:
	case <-time.After(self.settings.DrainTimeout):
		glog.Infof("[disk]%s flush timeout\n", self.object.ObjectId)
	}
}

func (self *DiskPlugin) Reset(objectId entity.ObjectId) {
	// no cached per object state beyond the queue, which stays valid
}

// Close signals the writer to drain then stop, bounded by DrainTimeout.
func (self *DiskPlugin) Close() {
	self.closeOnce.Do(func() {
		close(self.stop)
	})
	select {
	case <-self.drained:
	case <-time.After(self.settings.DrainTimeout):
		glog.Infof("[disk]%s drain timeout\n", self.object.ObjectId)
	}
}
