package collab

import (
	"github.com/notefold/collab/crdt"
	"github.com/notefold/collab/entity"
)

// Plugin observes a Collab's lifecycle. The pipeline is append only:
// plugins are added at construction and invoked in registration order.
//
// ReceiveUpdate runs synchronously under the mediator's post commit phase,
// before outside observers see the new state. Plugins must not block and
// must not mutate the document from inside ReceiveUpdate (that would
// re-enter the mediator); they post async work that mutates later.
type Plugin interface {
	// Init is called exactly once, before the first transaction is
	// permitted. Plugins may seed the document, e.g. load prior state
	// from disk.
	Init(doc *crdt.Doc) error

	// DidInit is called once after every plugin's Init completed.
	// Plugins may start background work here.
	DidInit(collab *Collab)

	// ReceiveUpdate is called once per committed local or remote update.
	ReceiveUpdate(origin entity.Origin, update []byte)

	// Flush requests a durability barrier before teardown.
	Flush()

	// Reset clears any cached per object state, e.g. after a kick off.
	Reset(objectId entity.ObjectId)
}

// PluginCloser is implemented by plugins with background tasks that need
// a drain-then-stop signal at teardown.
type PluginCloser interface {
	Close()
}

// NoopPlugin provides default no-op implementations to embed.
type NoopPlugin struct{}

func (self *NoopPlugin) Init(doc *crdt.Doc) error {
	return nil
}

func (self *NoopPlugin) DidInit(collab *Collab) {
}

func (self *NoopPlugin) ReceiveUpdate(origin entity.Origin, update []byte) {
}

func (self *NoopPlugin) Flush() {
}

func (self *NoopPlugin) Reset(objectId entity.ObjectId) {
}
