// Package sync keeps a Collab reconciled with the remote authority: it
// performs the initial handshake, streams local updates outward in commit
// order, applies remote broadcasts in server sequence order, and survives
// reconnects with its outbound queue intact.
package sync

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/notefold/collab/collab"
	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/entity"
	"github.com/notefold/collab/protocol"
)

// ConnState is the per object protocol state.
type ConnState int32

const (
	ConnStateDisconnected ConnState = 0
	ConnStateConnecting   ConnState = 1
	ConnStateHandshaking  ConnState = 2
	ConnStateLive         ConnState = 3
	ConnStateReconnecting ConnState = 4
	ConnStateClosed       ConnState = 5
)

func (self ConnState) String() string {
	switch self {
	case ConnStateDisconnected:
		return "Disconnected"
	case ConnStateConnecting:
		return "Connecting"
	case ConnStateHandshaking:
		return "Handshaking"
	case ConnStateLive:
		return "Live"
	case ConnStateReconnecting:
		return "Reconnecting"
	default:
		return "Closed"
	}
}

// SyncPlugin drives the sync protocol state machine for one object over
// the workspace's shared session. All I/O runs on the session's tasks;
// the mediator never awaits the network.
type SyncPlugin struct {
	object  *entity.CollabObject
	session *Session

	connState atomic.Int32

	// set during DidInit
	collabLock gosync.Mutex
	collab     *collab.Collab

	queue *syncQueue
	msgId atomic.Uint64

	// broadcast resequencer. lastSeq 0 means no broadcast seen since the
	// last handshake; the first seq observed becomes the base.
	seqLock           gosync.Mutex
	lastSeq           uint32
	pendingBroadcasts map[uint32]*protocol.BroadcastSync
	catchUpInFlight   bool
}

func NewSyncPlugin(object *entity.CollabObject, session *Session) *SyncPlugin {
	return &SyncPlugin{
		object:            object,
		session:           session,
		queue:             newSyncQueue(),
		pendingBroadcasts: map[uint32]*protocol.BroadcastSync{},
	}
}

func (self *SyncPlugin) ConnState() ConnState {
	return ConnState(self.connState.Load())
}

func (self *SyncPlugin) setConnState(state ConnState) {
	if self.ConnState() == ConnStateClosed {
		// closed is terminal
		return
	}
	old := ConnState(self.connState.Swap(int32(state)))
	if old != state {
		glog.V(1).Infof("[sync]%s %s => %s\n", self.object.ObjectId, old, state)
	}
}

func (self *SyncPlugin) getCollab() *collab.Collab {
	self.collabLock.Lock()
	defer self.collabLock.Unlock()
	return self.collab
}

// collab.Plugin

func (self *SyncPlugin) Init(doc *crdt.Doc) error {
	return nil
}

// DidInit wires the plugin into the session and opens the connection. The
// plugin holds the collab only as a backref for applying remote state; it
// never owns it.
func (self *SyncPlugin) DidInit(c *collab.Collab) {
	self.collabLock.Lock()
	self.collab = c
	self.collabLock.Unlock()

	c.SetSyncState(collab.SyncStateInitSyncBegin)
	if self.object.CollabType.AwarenessEnabled() {
		awareness := c.Awareness()
		local := awareness.ClientID()
		awareness.OnChange(func(changed []crdt.ClientID) {
			for _, client := range changed {
				if client == local {
					self.publishAwareness(awareness.EncodeUpdate(local))
					return
				}
			}
		})
	}
	self.session.register(self)
	self.session.start()
}

// ReceiveUpdate enqueues every locally authored update as an outbound
// frame. Remote and replayed updates pass through untouched. msg ids are
// monotonic per object, matching mediator commit order.
func (self *SyncPlugin) ReceiveUpdate(origin entity.Origin, update []byte) {
	c := self.getCollab()
	if c == nil || !origin.Equal(c.Origin()) {
		return
	}
	if self.ConnState() == ConnStateClosed {
		return
	}
	msgId := self.msgId.Add(1)
	self.queue.Add(&pendingFrame{
		msgId: msgId,
		message: &protocol.ClientUpdateSync{
			Origin:   origin,
			ObjectId: self.object.ObjectId,
			MsgId:    msgId,
			Payload:  update,
		},
		byteCount: int64(len(update)),
	})
	c.SetSyncState(collab.SyncStateSyncing)
	self.session.notify()
}

func (self *SyncPlugin) Flush() {
	// no durable state of its own. unsent frames are recoverable from the
	// disk log: the next handshake's state vector diff resends them.
}

// Reset clears cached per object sync state, e.g. after a kick off or a
// schema migration, so the next connection starts a clean handshake.
func (self *SyncPlugin) Reset(objectId entity.ObjectId) {
	self.seqLock.Lock()
	self.lastSeq = 0
	self.pendingBroadcasts = map[uint32]*protocol.BroadcastSync{}
	self.catchUpInFlight = false
	self.seqLock.Unlock()
	self.queue.ResetInFlight()
}

// Close is the collab teardown path. Terminal for this object's sync.
func (self *SyncPlugin) Close() {
	self.connState.Store(int32(ConnStateClosed))
	self.session.unregister(self.object.ObjectId)
}

// session callbacks

// handleConnected opens the handshake: send the local state vector, await
// the server delta.
func (self *SyncPlugin) handleConnected(session *Session) {
	if self.ConnState() == ConnStateClosed {
		return
	}
	c := self.getCollab()
	if c == nil {
		return
	}
	self.setConnState(ConnStateHandshaking)
	c.SetSyncState(collab.SyncStateInitSyncBegin)
	self.Reset(self.object.ObjectId)

	err := session.send(&protocol.ClientInitSync{
		Origin:      c.Origin(),
		ObjectId:    self.object.ObjectId,
		CollabType:  int32(self.object.CollabType),
		WorkspaceId: self.object.WorkspaceId,
		MsgId:       self.msgId.Add(1),
		Payload:     c.StateVector().Encode(),
	})
	if err != nil {
		glog.V(1).Infof("[sync]%s init sync send = %s\n", self.object.ObjectId, err)
	}
}

// handleServerInit applies the server's delta and answers with our own,
// computed against the server's state vector. The payload is an encoded
// state envelope carrying both the server state vector and the delta.
func (self *SyncPlugin) handleServerInit(message *protocol.ServerInitSync) {
	c := self.getCollab()
	if c == nil || self.ConnState() == ConnStateClosed {
		return
	}
	encoded, err := collab.DecodeFromBytes(message.Payload)
	if err != nil {
		glog.Infof("[sync]%s bad server init = %s\n", self.object.ObjectId, err)
		return
	}
	if 0 < len(encoded.DocState) {
		if err := c.ApplyRemoteUpdate(entity.ServerOrigin(), encoded.DocState); err != nil {
			glog.Infof("[sync]%s server init apply = %s\n", self.object.ObjectId, err)
			return
		}
	}
	serverSv, err := crdt.DecodeStateVector(encoded.StateVector)
	if err != nil {
		glog.Infof("[sync]%s bad server state vector = %s\n", self.object.ObjectId, err)
		return
	}

	self.seqLock.Lock()
	self.catchUpInFlight = false
	// frames buffered behind a gap are covered by the init sync delta.
	// apply them in order anyway (idempotent) to advance the sequence.
	for {
		seqs := make([]uint32, 0, len(self.pendingBroadcasts))
		for seq := range self.pendingBroadcasts {
			seqs = append(seqs, seq)
		}
		if len(seqs) == 0 {
			break
		}
		slices.Sort(seqs)
		next := self.pendingBroadcasts[seqs[0]]
		delete(self.pendingBroadcasts, seqs[0])
		self.applyBroadcastLocked(c, next)
	}
	self.seqLock.Unlock()

	self.setConnState(ConnStateLive)
	c.SetSyncState(collab.SyncStateInitSyncEnd)

	// reply with the operations the server lacks. frames already queued
	// carry their own operations, so the delta excludes them: merge their
	// high watermarks into the server's view before diffing.
	target := serverSv.Clone()
	for _, pending := range self.queue.PendingMessages() {
		if sv, err := crdt.UpdateStateVector(pending.Payload); err == nil {
			target.Merge(sv)
		}
	}
	delta := c.EncodeStateAsUpdate(target)
	if !crdt.IsEmptyUpdate(delta) {
		msgId := self.msgId.Add(1)
		self.queue.Add(&pendingFrame{
			msgId: msgId,
			message: &protocol.ClientUpdateSync{
				Origin:   c.Origin(),
				ObjectId: self.object.ObjectId,
				MsgId:    msgId,
				Payload:  delta,
			},
			byteCount: int64(len(delta)),
		})
	}
	if size, _ := self.queue.QueueSize(); size == 0 {
		c.SetSyncState(collab.SyncStateSyncFinished)
	} else {
		c.SetSyncState(collab.SyncStateSyncing)
	}
	self.session.notify()
}

// handleAck resolves the in flight frame. OK removes it; retryable codes
// requeue head of line; terminal codes drop the frame and surface to the
// host.
func (self *SyncPlugin) handleAck(message *protocol.CollabAck) {
	c := self.getCollab()
	if c == nil {
		return
	}
	if message.Code == protocol.AckCodeOk {
		self.queue.RemoveByMsgId(message.MsgId)
		if size, _ := self.queue.QueueSize(); size == 0 {
			c.SetSyncState(collab.SyncStateSyncFinished)
		}
		self.session.notify()
		return
	}
	if protocol.AckCodeRetryable(message.Code) {
		glog.V(1).Infof("[sync]%s retryable ack code %d msg %d\n", self.object.ObjectId, message.Code, message.MsgId)
		self.queue.RequeueHead(message.MsgId)
		self.session.notify()
		return
	}
	// terminal: schema, permission, missing object
	self.queue.RemoveByMsgId(message.MsgId)
	c.ReportError(&collab.AckError{
		ObjectId: self.object.ObjectId,
		MsgId:    message.MsgId,
		Code:     message.Code,
	})
	self.session.notify()
}

// handleBroadcast applies remote updates in server seq order. An echo of
// our own write is discarded but still advances the sequence. A gap
// buffers the frame and falls back to a fresh init sync.
func (self *SyncPlugin) handleBroadcast(message *protocol.BroadcastSync) {
	c := self.getCollab()
	if c == nil || self.ConnState() == ConnStateClosed {
		return
	}

	self.seqLock.Lock()
	defer self.seqLock.Unlock()

	if self.lastSeq != 0 && message.SeqNum <= self.lastSeq {
		// duplicate
		return
	}
	if self.lastSeq != 0 && self.lastSeq+1 < message.SeqNum {
		// gap: buffer and catch up via a targeted init sync
		self.pendingBroadcasts[message.SeqNum] = message
		self.requestCatchUpLocked(c)
		return
	}
	self.applyBroadcastLocked(c, message)
	// the gap may have closed for buffered frames
	for {
		next, ok := self.pendingBroadcasts[self.lastSeq+1]
		if !ok {
			break
		}
		delete(self.pendingBroadcasts, next.SeqNum)
		self.applyBroadcastLocked(c, next)
	}
}

func (self *SyncPlugin) applyBroadcastLocked(c *collab.Collab, message *protocol.BroadcastSync) {
	self.lastSeq = message.SeqNum
	if message.Origin.Equal(c.Origin()) {
		// the server is echoing our own write
		glog.V(2).Infof("[sync]%s discard echo seq %d\n", self.object.ObjectId, message.SeqNum)
		return
	}
	if err := c.ApplyRemoteUpdate(message.Origin, message.Payload); err != nil {
		// corrupt or incompatible update: drop the frame and re-converge
		// through a fresh init sync
		glog.Infof("[sync]%s broadcast apply = %s\n", self.object.ObjectId, err)
		self.requestCatchUpLocked(c)
	}
}

func (self *SyncPlugin) requestCatchUpLocked(c *collab.Collab) {
	if self.catchUpInFlight {
		return
	}
	self.catchUpInFlight = true
	go func() {
		err := self.session.send(&protocol.ClientInitSync{
			Origin:      c.Origin(),
			ObjectId:    self.object.ObjectId,
			CollabType:  int32(self.object.CollabType),
			WorkspaceId: self.object.WorkspaceId,
			MsgId:       self.msgId.Add(1),
			Payload:     c.StateVector().Encode(),
		})
		if err != nil {
			glog.V(1).Infof("[sync]%s catch up send = %s\n", self.object.ObjectId, err)
			self.seqLock.Lock()
			self.catchUpInFlight = false
			self.seqLock.Unlock()
		}
	}()
}

// handleAwareness routes presence frames to the kernel's awareness
// substate. Never persisted.
func (self *SyncPlugin) handleAwareness(message *protocol.AwarenessSync) {
	c := self.getCollab()
	if c == nil {
		return
	}
	if err := c.Awareness().ApplyUpdate(message.Payload); err != nil {
		glog.V(1).Infof("[sync]%s awareness apply = %s\n", self.object.ObjectId, err)
	}
}

func (self *SyncPlugin) handleDisconnected() {
	if self.ConnState() == ConnStateClosed {
		return
	}
	self.setConnState(ConnStateReconnecting)
	// the outbound queue is preserved; the head resends after reconnect
	self.queue.ResetInFlight()
}

// closeTerminal handles KickOff and DuplicateConnection. The object's
// sync is closed for good; the host is notified and must decide.
func (self *SyncPlugin) closeTerminal(cause error) {
	self.connState.Store(int32(ConnStateClosed))
	if c := self.getCollab(); c != nil {
		c.ReportError(cause)
	}
	glog.Infof("[sync]%s closed = %s\n", self.object.ObjectId, cause)
}

// nextToSend hands the session the next frame for this object, if any.
// Only one frame is in flight at a time: the drain awaits each ack.
func (self *SyncPlugin) nextToSend() *pendingFrame {
	if self.ConnState() != ConnStateLive {
		return nil
	}
	return self.queue.NextToSend()
}

func (self *SyncPlugin) sentFrame(frame *pendingFrame) {
	self.queue.MarkSent(frame.msgId, time.Now())
	glog.V(2).Infof("[sync]%s-> msg %d\n", self.object.ObjectId, frame.msgId)
}

// requeueStale marks the in flight frame for resend when its ack is
// overdue. Returns whether a resend is pending.
func (self *SyncPlugin) requeueStale(now time.Time, ackTimeout time.Duration) bool {
	msgId, stale := self.queue.RequeueStale(now, ackTimeout)
	if stale {
		glog.V(1).Infof("[sync]%s resend msg %d\n", self.object.ObjectId, msgId)
	}
	return stale
}

// QueueSize reports the pending outbound frames for this object.
func (self *SyncPlugin) QueueSize() (int, int64) {
	return self.queue.QueueSize()
}

func (self *SyncPlugin) publishAwareness(update []byte) {
	c := self.getCollab()
	if c == nil || self.ConnState() != ConnStateLive {
		return
	}
	err := self.session.send(&protocol.AwarenessSync{
		Origin:   c.Origin(),
		ObjectId: self.object.ObjectId,
		Payload:  update,
	})
	if err != nil {
		glog.V(2).Infof("[sync]%s awareness send = %s\n", self.object.ObjectId, err)
	}
}
