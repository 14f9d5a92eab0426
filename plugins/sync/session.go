package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/golang/glog"

	"github.com/notefold/collab/protocol"
)

type SyncSettings struct {
	// heartbeat / liveness
	PingTimeout time.Duration
	// resend the in flight frame when the ack is overdue
	AckTimeout time.Duration
	// reconnect backoff
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	ReconnectJitter      float64
	// pause after a RateLimit with no server advised window
	RateLimitPause time.Duration
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		PingTimeout:          1 * time.Second,
		AckTimeout:           10 * time.Second,
		ReconnectBackoffBase: 500 * time.Millisecond,
		ReconnectBackoffCap:  30 * time.Second,
		ReconnectJitter:      0.2,
		RateLimitPause:       5 * time.Second,
	}
}

// Session owns one connection to the sync authority, shared by every
// object of a workspace. Frames are multiplexed by object id; outbound
// drain is round robin across objects with pending frames. The session
// reconnects with jittered exponential backoff and keeps every object's
// queue across reconnects.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer   Dialer
	settings *SyncSettings

	stateLock gosync.Mutex
	handlers  map[string]*SyncPlugin
	order     []string
	rrIndex   int
	conn      Conn

	rateLimitedUntil time.Time

	notifySend chan struct{}
	startOnce  gosync.Once
}

func NewSession(ctx context.Context, dialer Dialer) *Session {
	return NewSessionWithSettings(ctx, dialer, DefaultSyncSettings())
}

func NewSessionWithSettings(ctx context.Context, dialer Dialer, settings *SyncSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		dialer:     dialer,
		settings:   settings,
		handlers:   map[string]*SyncPlugin{},
		order:      []string{},
		notifySend: make(chan struct{}, 1),
	}
}

func (self *Session) register(plugin *SyncPlugin) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	objectId := plugin.object.ObjectId
	if _, ok := self.handlers[objectId]; !ok {
		self.order = append(self.order, objectId)
	}
	self.handlers[objectId] = plugin
}

func (self *Session) unregister(objectId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.handlers[objectId]; !ok {
		return
	}
	delete(self.handlers, objectId)
	order := []string{}
	for _, id := range self.order {
		if id != objectId {
			order = append(order, id)
		}
	}
	self.order = order
}

func (self *Session) handler(objectId string) *SyncPlugin {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handlers[objectId]
}

func (self *Session) snapshotHandlers() []*SyncPlugin {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*SyncPlugin, 0, len(self.order))
	for _, objectId := range self.order {
		out = append(out, self.handlers[objectId])
	}
	return out
}

func (self *Session) start() {
	self.startOnce.Do(func() {
		go self.run()
	})
}

// Close tears the session down. Terminal.
func (self *Session) Close() {
	self.cancel()
}

// notify wakes the sender to drain pending frames.
func (self *Session) notify() {
	select {
	case self.notifySend <- struct{}{}:
	default:
	}
}

func (self *Session) setConn(conn Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = conn
}

// send encodes and writes one message on the current connection.
func (self *Session) send(message protocol.Message) error {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := protocol.EncodeMessage(message)
	if err != nil {
		return err
	}
	return conn.Send(b)
}

// pauseOutbound handles a server RateLimit: outbound drain pauses for the
// advised window; inbound continues.
func (self *Session) pauseOutbound(limitMillis uint64) {
	pause := self.settings.RateLimitPause
	if 0 < limitMillis {
		pause = time.Duration(limitMillis) * time.Millisecond
	}
	self.stateLock.Lock()
	self.rateLimitedUntil = time.Now().Add(pause)
	self.stateLock.Unlock()
	glog.Infof("[sync]rate limited for %s\n", pause)
}

func (self *Session) rateLimitRemaining() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return time.Until(self.rateLimitedUntil)
}

func (self *Session) run() {
	reconnect := NewReconnect(
		self.settings.ReconnectBackoffBase,
		self.settings.ReconnectBackoffCap,
		self.settings.ReconnectJitter,
	)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		for _, handler := range self.snapshotHandlers() {
			handler.setConnState(ConnStateConnecting)
		}
		conn, err := self.dialer.DialContext(self.ctx)
		if err != nil {
			glog.Infof("[sync]connect error = %s\n", err)
			for _, handler := range self.snapshotHandlers() {
				handler.handleDisconnected()
			}
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		reconnect.Reset()
		self.setConn(conn)

		self.runConn(conn)

		self.setConn(nil)
		conn.Close()
		for _, handler := range self.snapshotHandlers() {
			handler.handleDisconnected()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Session) runConn(conn Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// every registered object opens its own handshake on the shared
	// connection
	for _, handler := range self.snapshotHandlers() {
		handler.handleConnected(self)
	}

	// receive
	go func() {
		defer handleCancel()
		for {
			frame, err := conn.Receive()
			if err != nil {
				glog.V(1).Infof("[sync]receive error = %s\n", err)
				return
			}
			message, err := protocol.DecodeMessage(frame)
			if err != nil {
				glog.Infof("[sync]bad frame = %s\n", err)
				continue
			}
			self.route(message)
		}
	}()

	// send: drain round robin across objects with pending frames
	for {
		select {
		case <-handleCtx.Done():
			return
		case <-self.notifySend:
		case <-time.After(self.settings.PingTimeout):
			if err := conn.Send(make([]byte, 0)); err != nil {
				return
			}
			self.requeueStale()
			continue
		}
		if remaining := self.rateLimitRemaining(); 0 < remaining {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(remaining):
			}
		}
		if err := self.drain(); err != nil {
			glog.V(1).Infof("[sync]send error = %s\n", err)
			return
		}
	}
}

// drain sends every currently available frame, visiting objects round
// robin so one busy object cannot starve the rest.
func (self *Session) drain() error {
	for {
		frame, handler := self.nextOutbound()
		if frame == nil {
			return nil
		}
		if err := self.send(frame.message); err != nil {
			return err
		}
		handler.sentFrame(frame)
	}
}

func (self *Session) nextOutbound() (*pendingFrame, *SyncPlugin) {
	self.stateLock.Lock()
	order := make([]string, len(self.order))
	copy(order, self.order)
	rrIndex := self.rrIndex
	self.stateLock.Unlock()

	n := len(order)
	for i := 0; i < n; i += 1 {
		objectId := order[(rrIndex+i)%n]
		handler := self.handler(objectId)
		if handler == nil {
			continue
		}
		if frame := handler.nextToSend(); frame != nil {
			self.stateLock.Lock()
			self.rrIndex = (rrIndex + i + 1) % n
			self.stateLock.Unlock()
			return frame, handler
		}
	}
	return nil, nil
}

func (self *Session) route(message protocol.Message) {
	switch v := message.(type) {
	case *protocol.ServerInitSync:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.handleServerInit(v)
		}
	case *protocol.CollabAck:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.handleAck(v)
		}
	case *protocol.BroadcastSync:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.handleBroadcast(v)
		}
	case *protocol.AwarenessSync:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.handleAwareness(v)
		}
	case *protocol.RateLimit:
		self.pauseOutbound(v.Limit)
	case *protocol.KickOff:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.closeTerminal(ErrKickedOffWrapped(v.Reason))
		}
	case *protocol.DuplicateConnection:
		if handler := self.handler(v.ObjectId); handler != nil {
			handler.closeTerminal(ErrDuplicateConnectionTerminal)
		}
	case *protocol.CollabStateCheck:
		// reserved frame, not implemented
		glog.V(2).Infof("[sync]%s state check ignored\n", v.ObjectId)
	default:
		glog.V(2).Infof("[sync]unhandled message %T\n", v)
	}
}

// requeueStale resends frames whose ack is overdue. Runs on the sender's
// cadence.
func (self *Session) requeueStale() {
	now := time.Now()
	notify := false
	for _, handler := range self.snapshotHandlers() {
		if handler.requeueStale(now, self.settings.AckTimeout) {
			notify = true
		}
	}
	if notify {
		self.notify()
	}
}
