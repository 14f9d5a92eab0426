package crdt

import (
	"fmt"
	mathrand "math/rand"
	"sort"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Doc is a replicated document holding named shared containers. It is not
// safe for concurrent use; callers serialize access (the collab mediator
// owns the document lock).
type Doc struct {
	clientID ClientID
	lamport  uint64

	// per client op log in clock order. log[client][i].id.Clock == i+1.
	logs map[ClientID][]*Op
	sv   StateVector

	// ops whose per client clock prefix has not arrived yet
	pending map[ClientID][]*Op

	maps  map[string]*mapState
	lists map[string]*listState

	rng *mathrand.Rand
}

func NewDoc() *Doc {
	return NewDocWithClientID(ClientID(mathrand.Uint64() | 1))
}

func NewDocWithClientID(clientID ClientID) *Doc {
	return &Doc{
		clientID: clientID,
		logs:     map[ClientID][]*Op{},
		sv:       StateVector{},
		pending:  map[ClientID][]*Op{},
		maps:     map[string]*mapState{},
		lists:    map[string]*listState{},
		rng:      mathrand.New(mathrand.NewSource(int64(clientID))),
	}
}

func (self *Doc) ClientID() ClientID {
	return self.clientID
}

func (self *Doc) StateVector() StateVector {
	return self.sv.Clone()
}

// register appends a locally created op to the log and integrates it.
func (self *Doc) register(op *Op) {
	op.id = OpID{Client: self.clientID, Clock: self.sv[self.clientID] + 1}
	self.logs[self.clientID] = append(self.logs[self.clientID], op)
	self.sv[self.clientID] = op.id.Clock
	self.integrate(op)
}

func (self *Doc) nextTs() uint64 {
	self.lamport += 1
	return self.lamport
}

func (self *Doc) observeTs(ts uint64) {
	if self.lamport < ts {
		self.lamport = ts
	}
}

// ApplyUpdate integrates a remote update. Operations already observed are
// skipped, operations with a missing per client clock prefix are buffered.
// The returned update re-encodes exactly the operations integrated by this
// call, which is empty when the update carried nothing new.
func (self *Doc) ApplyUpdate(update []byte) ([]byte, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, fmt.Errorf("apply update: %w", err)
	}
	applied := []*Op{}
	for _, op := range ops {
		applied = self.admit(op, applied)
	}
	if len(applied) == 0 {
		return encodeUpdateV1(nil), nil
	}
	sortOpsCanonical(applied)
	return encodeUpdateV1(applied), nil
}

func (self *Doc) admit(op *Op, applied []*Op) []*Op {
	next := self.sv[op.id.Client] + 1
	if op.id.Clock < next {
		// already observed
		return applied
	}
	if next < op.id.Clock {
		self.bufferPending(op)
		return applied
	}
	applied = self.commitRemote(op, applied)
	// the gap may have closed for buffered ops of this client
	for {
		queue := self.pending[op.id.Client]
		if len(queue) == 0 {
			break
		}
		head := queue[0]
		if head.id.Clock != self.sv[op.id.Client]+1 {
			break
		}
		self.pending[op.id.Client] = queue[1:]
		applied = self.commitRemote(head, applied)
	}
	if len(self.pending[op.id.Client]) == 0 {
		delete(self.pending, op.id.Client)
	}
	return applied
}

func (self *Doc) commitRemote(op *Op, applied []*Op) []*Op {
	self.logs[op.id.Client] = append(self.logs[op.id.Client], op)
	self.sv[op.id.Client] = op.id.Clock
	self.integrate(op)
	return append(applied, op)
}

func (self *Doc) bufferPending(op *Op) {
	queue := self.pending[op.id.Client]
	i := sort.Search(len(queue), func(i int) bool {
		return op.id.Clock <= queue[i].id.Clock
	})
	if i < len(queue) && queue[i].id.Clock == op.id.Clock {
		// duplicate
		return
	}
	queue = slices.Insert(queue, i, op)
	self.pending[op.id.Client] = queue
}

func (self *Doc) integrate(op *Op) {
	switch op.kind {
	case opMapSet, opMapDelete:
		self.observeTs(op.ts)
		self.mapState(op.container).integrate(op)
	case opArrayInsert, opTextInsert:
		self.listState(op.container).integrateInsert(op)
	case opListDelete:
		self.listState(op.container).integrateDelete(op)
	}
}

func (self *Doc) mapState(name string) *mapState {
	state, ok := self.maps[name]
	if !ok {
		state = newMapState()
		self.maps[name] = state
	}
	return state
}

// newPosition allocates a fresh position between the neighbors that is
// unused by any live element or tombstone, so a re-insert at a deleted
// spot can never alias the dead element.
func (self *Doc) newPosition(state *listState, left Position, right Position) Position {
	for {
		p := positionBetween(left, right, self.clientID, self.rng)
		key := p.Key()
		if _, ok := state.index[key]; ok {
			continue
		}
		if state.tombstones[key] {
			continue
		}
		return p
	}
}

func (self *Doc) listState(name string) *listState {
	state, ok := self.lists[name]
	if !ok {
		state = newListState()
		self.lists[name] = state
	}
	return state
}

// Containers lists the named map and list roots present in the document.
func (self *Doc) Containers() (mapNames []string, listNames []string) {
	mapNames = maps.Keys(self.maps)
	slices.Sort(mapNames)
	listNames = maps.Keys(self.lists)
	slices.Sort(listNames)
	return
}

// EncodeStateAsUpdateV1 encodes every operation the peer with state vector
// sv lacks. An empty sv yields the full document history in canonical
// order, so replicas holding the same operation set encode byte equal.
func (self *Doc) EncodeStateAsUpdateV1(sv StateVector) []byte {
	return encodeUpdateV1(self.diff(sv))
}

func (self *Doc) EncodeStateAsUpdateV2(sv StateVector) []byte {
	return encodeUpdateV2(self.diff(sv))
}

func (self *Doc) diff(sv StateVector) []*Op {
	clients := maps.Keys(self.logs)
	slices.Sort(clients)
	ops := []*Op{}
	for _, client := range clients {
		log := self.logs[client]
		from := sv[client]
		if uint64(len(log)) <= from {
			continue
		}
		ops = append(ops, log[from:]...)
	}
	return ops
}

// Transact runs f against a write transaction. On success the produced
// update summarizes exactly the operations added by f. On error the
// transaction aborts: operations f already added are rolled back and
// nothing is observable.
func (self *Doc) Transact(f func(tx *Txn) error) ([]byte, error) {
	tx := &Txn{doc: self}
	if err := f(tx); err != nil {
		if 0 < len(tx.ops) {
			self.rollbackLocal(len(tx.ops))
		}
		return nil, err
	}
	if len(tx.ops) == 0 {
		return encodeUpdateV1(nil), nil
	}
	return encodeUpdateV1(tx.ops), nil
}

// rollbackLocal drops the n newest local operations and rebuilds the
// container states. Only the local tail can roll back: remote ops never
// interleave mid transaction because the mediator holds the doc lock.
func (self *Doc) rollbackLocal(n int) {
	log := self.logs[self.clientID]
	log = log[:len(log)-n]
	if len(log) == 0 {
		delete(self.logs, self.clientID)
		delete(self.sv, self.clientID)
	} else {
		self.logs[self.clientID] = log
		self.sv[self.clientID] = log[len(log)-1].id.Clock
	}
	self.rebuild()
}

func (self *Doc) rebuild() {
	self.maps = map[string]*mapState{}
	self.lists = map[string]*listState{}
	for _, log := range self.logs {
		for _, op := range log {
			self.integrate(op)
		}
	}
}

// Txn is a handle over a single write transaction. Ops are registered
// against the doc immediately and collected for the commit update.
type Txn struct {
	doc *Doc
	ops []*Op
}

// Doc exposes the document under transaction, for container lookups.
func (self *Txn) Doc() *Doc {
	return self.doc
}

func (self *Txn) add(op *Op) {
	self.doc.register(op)
	self.ops = append(self.ops, op)
}

// IsEmptyUpdate reports whether an encoded update carries no operations.
func IsEmptyUpdate(update []byte) bool {
	ops, err := decodeOps(update)
	return err == nil && len(ops) == 0
}
