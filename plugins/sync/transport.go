package sync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/notefold/collab/protocol"
)

// Conn is one framed, authenticated connection to the sync authority.
type Conn interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer establishes authenticated connections. The websocket dialer is
// the production implementation; tests substitute in process pipes.
type Dialer interface {
	DialContext(ctx context.Context) (Conn, error)
}

type WsDialerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
	}
}

// WsDialer dials the realtime endpoint, presents the auth frame, and
// verifies the server's auth echo before handing the connection out.
type WsDialer struct {
	url      string
	auth     *ClientAuth
	settings *WsDialerSettings
}

func NewWsDialer(url string, auth *ClientAuth) *WsDialer {
	return NewWsDialerWithSettings(url, auth, DefaultWsDialerSettings())
}

func NewWsDialerWithSettings(url string, auth *ClientAuth, settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		url:      url,
		auth:     auth,
		settings: settings,
	}
}

func (self *WsDialer) DialContext(ctx context.Context) (Conn, error) {
	authBytes, err := protocol.EncodeMessage(&protocol.Auth{
		Token:      self.auth.ByJwt,
		DeviceId:   self.auth.DeviceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	// verify the auth echo
	switch messageType {
	case websocket.BinaryMessage:
		if !bytes.Equal(authBytes, message) {
			return nil, fmt.Errorf("auth response error: bad bytes")
		}
	default:
		return nil, fmt.Errorf("auth response error")
	}

	success = true
	return &wsConn{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings *WsDialerSettings
}

func (self *wsConn) Send(frame []byte) error {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive blocks for the next data frame. Empty frames are transport
// pings and are consumed here.
func (self *wsConn) Receive() ([]byte, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[tr]ping<-\n")
				continue
			}
			return message, nil
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *wsConn) Close() error {
	return self.ws.Close()
}
