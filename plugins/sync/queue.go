package sync

import (
	"container/heap"
	gosync "sync"
	"time"

	"github.com/notefold/collab/protocol"
)

// pendingFrame is one outbound ClientUpdateSync awaiting its ack.
type pendingFrame struct {
	msgId     uint64
	message   *protocol.ClientUpdateSync
	byteCount int64
	inFlight  bool
	sentAt    time.Time

	// the index of the item in the heap
	heapIndex int
}

// syncQueue is the ordered outbound queue for one object: a min heap over
// msgId with a by-id index. The queue drains strictly in msgId order, one
// frame in flight at a time.
type syncQueue struct {
	orderedItems []*pendingFrame
	msgIdItems   map[uint64]*pendingFrame
	byteCount    int64
	stateLock    gosync.Mutex
}

func newSyncQueue() *syncQueue {
	queue := &syncQueue{
		orderedItems: []*pendingFrame{},
		msgIdItems:   map[uint64]*pendingFrame{},
	}
	heap.Init(queue)
	return queue
}

func (self *syncQueue) QueueSize() (int, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

func (self *syncQueue) Add(item *pendingFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.msgIdItems[item.msgId] = item
	heap.Push(self, item)
	self.byteCount += item.byteCount
}

// PeekFirst returns the head frame without removing it.
func (self *syncQueue) PeekFirst() *pendingFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// RemoveByMsgId removes an acked frame. Returns nil when the msg id is
// not pending, e.g. a duplicate ack.
func (self *syncQueue) RemoveByMsgId(msgId uint64) *pendingFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.msgIdItems[msgId]
	if !ok {
		return nil
	}
	delete(self.msgIdItems, msgId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("heap invariant broken")
	}
	self.byteCount -= item.byteCount
	return item
}

// PendingMessages snapshots the queued frames, in no particular order.
func (self *syncQueue) PendingMessages() []*protocol.ClientUpdateSync {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]*protocol.ClientUpdateSync, 0, len(self.orderedItems))
	for _, item := range self.orderedItems {
		out = append(out, item.message)
	}
	return out
}

// ResetInFlight clears send progress, e.g. after a reconnect, so the head
// frame is resent.
func (self *syncQueue) ResetInFlight() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, item := range self.orderedItems {
		item.inFlight = false
	}
}

// NextToSend returns the head frame if no frame is in flight, marking it
// in flight as of now so a stale send time cannot count against it.
func (self *syncQueue) NextToSend() *pendingFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	head := self.orderedItems[0]
	if head.inFlight {
		return nil
	}
	head.inFlight = true
	head.sentAt = time.Now()
	return head
}

// MarkSent stamps the frame's send time for the ack overdue check.
func (self *syncQueue) MarkSent(msgId uint64, sentAt time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if item, ok := self.msgIdItems[msgId]; ok {
		item.sentAt = sentAt
	}
}

// RequeueStale clears the head's in flight mark when its ack is overdue,
// so the next drain resends it. Reports whether a resend is now pending.
func (self *syncQueue) RequeueStale(now time.Time, ackTimeout time.Duration) (uint64, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return 0, false
	}
	head := self.orderedItems[0]
	if !head.inFlight || now.Sub(head.sentAt) < ackTimeout {
		return 0, false
	}
	head.inFlight = false
	return head.msgId, true
}

// RequeueHead clears the head's in flight mark so it is resent, e.g.
// after a retryable negative ack.
func (self *syncQueue) RequeueHead(msgId uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return
	}
	head := self.orderedItems[0]
	if head.msgId == msgId {
		head.inFlight = false
	}
}

// heap.Interface

func (self *syncQueue) Push(x any) {
	item := x.(*pendingFrame)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *syncQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *syncQueue) Len() int {
	return len(self.orderedItems)
}

func (self *syncQueue) Less(i int, j int) bool {
	return self.orderedItems[i].msgId < self.orderedItems[j].msgId
}

func (self *syncQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
