package sync

import (
	"fmt"

	"github.com/notefold/collab/collab"
)

var ErrNotConnected = fmt.Errorf("%w: not connected", collab.ErrTransportClosed)

var ErrDuplicateConnectionTerminal = collab.ErrDuplicateConnection

func ErrKickedOffWrapped(reason string) error {
	if reason == "" {
		return collab.ErrKickedOff
	}
	return fmt.Errorf("%w: %s", collab.ErrKickedOff, reason)
}
