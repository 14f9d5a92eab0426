package sync

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/notefold/collab/protocol"
)

func newTestFrame(msgId uint64) *pendingFrame {
	return &pendingFrame{
		msgId: msgId,
		message: &protocol.ClientUpdateSync{
			ObjectId: "o1",
			MsgId:    msgId,
			Payload:  []byte{byte(msgId)},
		},
		byteCount: 1,
	}
}

func TestSyncQueueOrder(t *testing.T) {
	queue := newSyncQueue()

	size, byteSize := queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, int64(0), byteSize)

	n := 100
	msgIds := []uint64{}
	for i := 0; i < n; i += 1 {
		msgIds = append(msgIds, uint64(i+1))
	}
	mathrand.Shuffle(len(msgIds), func(i, j int) {
		msgIds[i], msgIds[j] = msgIds[j], msgIds[i]
	})
	for _, msgId := range msgIds {
		queue.Add(newTestFrame(msgId))
	}

	size, byteSize = queue.QueueSize()
	assert.Equal(t, n, size)
	assert.Equal(t, int64(n), byteSize)

	// drains strictly in msg id order, one in flight at a time
	for i := 0; i < n; i += 1 {
		frame := queue.NextToSend()
		assert.NotEqual(t, frame, nil)
		assert.Equal(t, uint64(i+1), frame.msgId)

		// nothing else sends while the head is unacked
		assert.Equal(t, queue.NextToSend(), nil)

		removed := queue.RemoveByMsgId(frame.msgId)
		assert.Equal(t, frame.msgId, removed.msgId)
	}
	size, _ = queue.QueueSize()
	assert.Equal(t, 0, size)
}

func TestSyncQueueRequeueHead(t *testing.T) {
	queue := newSyncQueue()
	queue.Add(newTestFrame(1))
	queue.Add(newTestFrame(2))

	frame := queue.NextToSend()
	assert.Equal(t, uint64(1), frame.msgId)
	assert.Equal(t, queue.NextToSend(), nil)

	// a retryable negative ack requeues head of line
	queue.RequeueHead(1)
	frame = queue.NextToSend()
	assert.Equal(t, uint64(1), frame.msgId)
}

func TestSyncQueueResetInFlight(t *testing.T) {
	queue := newSyncQueue()
	queue.Add(newTestFrame(1))
	assert.NotEqual(t, queue.NextToSend(), nil)
	assert.Equal(t, queue.NextToSend(), nil)

	// reconnect clears send progress so the head resends
	queue.ResetInFlight()
	frame := queue.NextToSend()
	assert.Equal(t, uint64(1), frame.msgId)
}

func TestSyncQueueRequeueStale(t *testing.T) {
	queue := newSyncQueue()
	queue.Add(newTestFrame(1))
	frame := queue.NextToSend()
	queue.MarkSent(frame.msgId, time.Now().Add(-time.Minute))

	msgId, stale := queue.RequeueStale(time.Now(), 10*time.Second)
	assert.Equal(t, true, stale)
	assert.Equal(t, uint64(1), msgId)
	assert.NotEqual(t, queue.NextToSend(), nil)

	_, stale = queue.RequeueStale(time.Now(), 10*time.Second)
	assert.Equal(t, false, stale)
}

func TestSyncQueueDuplicateAck(t *testing.T) {
	queue := newSyncQueue()
	queue.Add(newTestFrame(1))
	assert.NotEqual(t, queue.RemoveByMsgId(1), nil)
	assert.Equal(t, queue.RemoveByMsgId(1), nil)
}

func TestReconnectBackoffBounds(t *testing.T) {
	reconnect := NewReconnect(10*time.Millisecond, 50*time.Millisecond, 0.2)
	for i := 0; i < 10; i += 1 {
		start := time.Now()
		<-reconnect.After()
		elapsed := time.Since(start)
		// never beyond the cap plus jitter
		assert.Equal(t, true, elapsed < 100*time.Millisecond)
	}
	reconnect.Reset()
	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, true, time.Since(start) < 30*time.Millisecond)
}
