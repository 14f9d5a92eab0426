package collab

import (
	"errors"
	"fmt"
)

var (
	ErrTransportClosed       = errors.New("transport closed")
	ErrHandshakeRejected     = errors.New("handshake rejected")
	ErrUpdateApplyFailed     = errors.New("update apply failed")
	ErrPersistenceFailed     = errors.New("persistence failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrKickedOff             = errors.New("kicked off")
	ErrDuplicateConnection   = errors.New("duplicate connection")
	ErrObjectNotFound        = errors.New("object not found")
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
	ErrReadOnly              = errors.New("collab is read only degraded")
	ErrUninitialized         = errors.New("collab is not initialized")
)

// AckError carries a nonzero server ack code.
type AckError struct {
	ObjectId string
	MsgId    uint64
	Code     uint32
}

func (self *AckError) Error() string {
	return fmt.Sprintf("negative ack for %s msg %d: code %d", self.ObjectId, self.MsgId, self.Code)
}
