package collab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/entity"
)

// InitState tracks the lifecycle of a Collab.
type InitState uint32

const (
	InitStateUninitialized InitState = 0
	InitStateLoading       InitState = 1
	InitStateReady         InitState = 2
)

// SyncState describes the steps a Collab goes through while reconciling
// with the remote authority.
type SyncState uint32

const (
	SyncStateInitSyncBegin SyncState = 0
	SyncStateInitSyncEnd   SyncState = 1
	SyncStateSyncing       SyncState = 2
	SyncStateSyncFinished  SyncState = 3
)

func (self SyncState) IsSyncFinished() bool {
	return self == SyncStateSyncFinished
}

type UpdateFunction func(origin entity.Origin, update []byte)
type SyncStateFunction func(state SyncState)

type CollabSettings struct {
	EncoderVersion  EncoderVersion
	ErrorBufferSize int
}

func DefaultCollabSettings() *CollabSettings {
	return &CollabSettings{
		EncoderVersion:  EncoderVersionV1,
		ErrorBufferSize: 16,
	}
}

// Collab is a lifecycle managed CRDT container. It owns its document
// exclusively and mediates every read and mutation through a readers/
// writer lock; committed updates fan out to the plugin pipeline before
// any outside observer can see the new state, so a crash cannot leave an
// observed but unpersisted edit.
type Collab struct {
	object *entity.CollabObject
	origin entity.Origin

	// guards the document and the post commit fan out
	docLock   sync.RWMutex
	doc       *crdt.Doc
	awareness *crdt.Awareness

	plugins         []Plugin
	degradedPlugins []atomic.Bool

	initState atomic.Uint32
	syncState atomic.Uint32
	readOnly  atomic.Bool

	updateCallbacks    callbackList[UpdateFunction]
	syncStateCallbacks callbackList[SyncStateFunction]

	errs chan error

	settings *CollabSettings
}

func NewCollab(object *entity.CollabObject, origin entity.Origin, plugins []Plugin) (*Collab, error) {
	return NewCollabWithSettings(object, origin, plugins, DefaultCollabSettings())
}

func NewCollabWithSettings(
	object *entity.CollabObject,
	origin entity.Origin,
	plugins []Plugin,
	settings *CollabSettings,
) (*Collab, error) {
	if err := object.Validate(); err != nil {
		return nil, err
	}
	doc := crdt.NewDoc()
	return &Collab{
		object:          object,
		origin:          origin,
		doc:             doc,
		awareness:       crdt.NewAwareness(doc.ClientID()),
		plugins:         plugins,
		degradedPlugins: make([]atomic.Bool, len(plugins)),
		errs:            make(chan error, settings.ErrorBufferSize),
		settings:        settings,
	}, nil
}

func (self *Collab) Object() *entity.CollabObject {
	return self.object
}

func (self *Collab) ObjectId() entity.ObjectId {
	return self.object.ObjectId
}

func (self *Collab) Origin() entity.Origin {
	return self.origin
}

func (self *Collab) Awareness() *crdt.Awareness {
	return self.awareness
}

func (self *Collab) InitState() InitState {
	return InitState(self.initState.Load())
}

// Initialize drives the plugin pipeline: every plugin's Init runs first
// (seeding the document from prior state), then every DidInit (starting
// background work). Transactions are not permitted before Initialize
// returns.
func (self *Collab) Initialize() error {
	if !self.initState.CompareAndSwap(uint32(InitStateUninitialized), uint32(InitStateLoading)) {
		return fmt.Errorf("collab %s: already initialized", self.object.ObjectId)
	}
	self.docLock.Lock()
	for i, plugin := range self.plugins {
		if err := plugin.Init(self.doc); err != nil {
			self.docLock.Unlock()
			self.initState.Store(uint32(InitStateUninitialized))
			return fmt.Errorf("plugin %d init: %w", i, err)
		}
	}
	self.docLock.Unlock()

	for i, plugin := range self.plugins {
		plugin := plugin
		HandleError(func() {
			plugin.DidInit(self)
		}, func(err error) {
			self.markDegraded(i, err)
		})
	}
	self.initState.Store(uint32(InitStateReady))
	glog.V(1).Infof("[collab]%s ready\n", self.object.ObjectId)
	return nil
}

// Read runs f under the shared document lock.
func (self *Collab) Read(f func(doc *crdt.Doc)) {
	self.docLock.RLock()
	defer self.docLock.RUnlock()
	f(self.doc)
}

// Mutate runs f in a transaction authored by the Collab's own origin.
func (self *Collab) Mutate(f func(tx *crdt.Txn) error) error {
	return self.mutate(self.origin, f)
}

func (self *Collab) mutate(origin entity.Origin, f func(tx *crdt.Txn) error) error {
	if self.InitState() != InitStateReady {
		return ErrUninitialized
	}
	if self.readOnly.Load() {
		return ErrReadOnly
	}
	self.docLock.Lock()
	defer self.docLock.Unlock()

	update, err := self.doc.Transact(f)
	if err != nil {
		// aborted before commit. plugins and observers never hear of it.
		return err
	}
	if crdt.IsEmptyUpdate(update) {
		return nil
	}
	self.fanOut(origin, update)
	return nil
}

// ApplyRemoteUpdate integrates an update received from the network under
// the given origin. An update whose origin equals this Collab's own origin
// is discarded: the server is echoing our own write.
func (self *Collab) ApplyRemoteUpdate(origin entity.Origin, update []byte) error {
	if origin.Equal(self.origin) {
		glog.V(2).Infof("[collab]%s discard own echo\n", self.object.ObjectId)
		return nil
	}
	self.docLock.Lock()
	defer self.docLock.Unlock()

	applied, err := self.doc.ApplyUpdate(update)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUpdateApplyFailed, err)
		self.reportError(err)
		return err
	}
	if crdt.IsEmptyUpdate(applied) {
		return nil
	}
	self.fanOut(origin, applied)
	return nil
}

// fanOut notifies plugins in registration order, then observers, under the
// document lock. A plugin failure is logged and surfaced but does not stop
// the rest of the pipeline; observers can never interrupt plugins.
func (self *Collab) fanOut(origin entity.Origin, update []byte) {
	for i, plugin := range self.plugins {
		if self.degradedPlugins[i].Load() {
			continue
		}
		plugin := plugin
		i := i
		HandleError(func() {
			plugin.ReceiveUpdate(origin, update)
		}, func(err error) {
			self.markDegraded(i, err)
		})
	}
	for _, callback := range self.updateCallbacks.get() {
		callback := callback
		HandleError(func() {
			callback(origin, update)
		})
	}
}

func (self *Collab) markDegraded(i int, err error) {
	if !self.degradedPlugins[i].CompareAndSwap(false, true) {
		return
	}
	glog.Infof("[collab]%s plugin %d degraded = %s\n", self.object.ObjectId, i, err)
	self.reportError(fmt.Errorf("plugin %d degraded: %w", i, err))
}

// OnUpdate registers an in-process observer. Observers are notified on the
// mediator's goroutine before the document lock is released. The returned
// function removes the observer.
func (self *Collab) OnUpdate(callback UpdateFunction) func() {
	return self.updateCallbacks.add(callback)
}

func (self *Collab) OnSyncState(callback SyncStateFunction) func() {
	return self.syncStateCallbacks.add(callback)
}

func (self *Collab) SyncState() SyncState {
	return SyncState(self.syncState.Load())
}

// SetSyncState is driven by the sync plugin as the protocol advances.
func (self *Collab) SetSyncState(state SyncState) {
	old := SyncState(self.syncState.Swap(uint32(state)))
	if old == state {
		return
	}
	glog.V(1).Infof("[collab]%s sync state %d => %d\n", self.object.ObjectId, old, state)
	for _, callback := range self.syncStateCallbacks.get() {
		callback := callback
		HandleError(func() {
			callback(state)
		})
	}
}

// Errors is the Collab's error channel. Failures in the post commit
// pipeline and fatal per object plugin errors surface here. The channel
// is bounded; when the host does not drain it, older errors are dropped.
func (self *Collab) Errors() <-chan error {
	return self.errs
}

// ReportError surfaces a plugin level error on the error channel, e.g. a
// terminal negative ack or a kick off the host must decide on.
func (self *Collab) ReportError(err error) {
	self.reportError(err)
}

func (self *Collab) reportError(err error) {
	for {
		select {
		case self.errs <- err:
			return
		default:
		}
		select {
		case <-self.errs:
		default:
		}
	}
}

// SetReadOnly puts the Collab into the read only degraded state, e.g.
// after persistence retry exhaustion. Mutations fail with ErrReadOnly
// until the process restarts.
func (self *Collab) SetReadOnly(cause error) {
	if self.readOnly.CompareAndSwap(false, true) {
		glog.Infof("[collab]%s read only degraded = %s\n", self.object.ObjectId, cause)
		self.reportError(fmt.Errorf("%w: %v", ErrReadOnly, cause))
	}
}

func (self *Collab) IsReadOnly() bool {
	return self.readOnly.Load()
}

// EncodeCollab snapshots the document as an encoded state envelope under
// the shared lock, using the configured encoder version.
func (self *Collab) EncodeCollab() *EncodedCollab {
	self.docLock.RLock()
	defer self.docLock.RUnlock()
	return encodeDoc(self.doc, self.settings.EncoderVersion)
}

// TryEncodeCollab is the non blocking variant of EncodeCollab, for
// callers that may be holding the mediator's attention elsewhere (the
// disk writer compacts opportunistically and must never wait on a
// mediator that could be waiting on it).
func (self *Collab) TryEncodeCollab() (*EncodedCollab, bool) {
	if !self.docLock.TryRLock() {
		return nil, false
	}
	defer self.docLock.RUnlock()
	return encodeDoc(self.doc, self.settings.EncoderVersion), true
}

// StateVector reads the document's state vector under the shared lock.
func (self *Collab) StateVector() crdt.StateVector {
	self.docLock.RLock()
	defer self.docLock.RUnlock()
	return self.doc.StateVector()
}

// EncodeStateAsUpdate computes the delta a peer with state vector sv
// lacks, under the shared lock.
func (self *Collab) EncodeStateAsUpdate(sv crdt.StateVector) []byte {
	self.docLock.RLock()
	defer self.docLock.RUnlock()
	return self.doc.EncodeStateAsUpdateV1(sv)
}

// ValidateRequiredData checks that the document holds the root container
// its collab type requires. Unknown types skip validation.
func (self *Collab) ValidateRequiredData() error {
	root := self.object.CollabType.RequiredRoot()
	if root == "" {
		return nil
	}
	self.docLock.RLock()
	defer self.docLock.RUnlock()
	mapNames, listNames := self.doc.Containers()
	for _, name := range mapNames {
		if name == root {
			return nil
		}
	}
	for _, name := range listNames {
		if name == root {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires root %q", ErrObjectNotFound, self.object.CollabType, root)
}

// Reset asks every plugin to clear cached per object state.
func (self *Collab) Reset() {
	for _, plugin := range self.plugins {
		plugin.Reset(self.object.ObjectId)
	}
}

// Flush requests a durability barrier from every plugin.
func (self *Collab) Flush() {
	for _, plugin := range self.plugins {
		plugin.Flush()
	}
}

// Close flushes and stops plugin background tasks. The Collab must not be
// used afterwards.
func (self *Collab) Close() {
	self.Flush()
	for _, plugin := range self.plugins {
		if closer, ok := plugin.(PluginCloser); ok {
			closer.Close()
		}
	}
	glog.V(1).Infof("[collab]%s closed\n", self.object.ObjectId)
}
