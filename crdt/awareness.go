package crdt

import (
	"encoding/binary"
	"encoding/json"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Awareness holds ephemeral per client presence states (cursors,
// selections). States are clocked per client, never persisted, and removed
// when a peer disconnects.
type Awareness struct {
	clientID ClientID
	clock    uint64
	states   map[ClientID]awarenessEntry

	onChange []func(changed []ClientID)
}

type awarenessEntry struct {
	clock uint64
	// nil marks a removed state
	state []byte
}

func NewAwareness(clientID ClientID) *Awareness {
	return &Awareness{
		clientID: clientID,
		states:   map[ClientID]awarenessEntry{},
	}
}

func (self *Awareness) ClientID() ClientID {
	return self.clientID
}

// SetLocalState publishes the local presence state. A nil value removes it.
func (self *Awareness) SetLocalState(state any) error {
	var b []byte
	if state != nil {
		var err error
		b, err = json.Marshal(state)
		if err != nil {
			return err
		}
	}
	self.clock += 1
	self.states[self.clientID] = awarenessEntry{clock: self.clock, state: b}
	self.notify([]ClientID{self.clientID})
	return nil
}

func (self *Awareness) LocalState() (any, bool) {
	return self.State(self.clientID)
}

func (self *Awareness) State(client ClientID) (any, bool) {
	entry, ok := self.states[client]
	if !ok || entry.state == nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(entry.state, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (self *Awareness) Clients() []ClientID {
	clients := []ClientID{}
	for client, entry := range self.states {
		if entry.state != nil {
			clients = append(clients, client)
		}
	}
	slices.Sort(clients)
	return clients
}

// RemoveStates clears the given clients, e.g. on peer disconnect.
func (self *Awareness) RemoveStates(clients ...ClientID) {
	changed := []ClientID{}
	for _, client := range clients {
		entry, ok := self.states[client]
		if !ok || entry.state == nil {
			continue
		}
		self.states[client] = awarenessEntry{clock: entry.clock + 1, state: nil}
		changed = append(changed, client)
	}
	if 0 < len(changed) {
		self.notify(changed)
	}
}

func (self *Awareness) OnChange(callback func(changed []ClientID)) {
	self.onChange = append(self.onChange, callback)
}

func (self *Awareness) notify(changed []ClientID) {
	for _, callback := range self.onChange {
		callback(changed)
	}
}

// EncodeUpdate encodes the states of the given clients, or all known
// clients when none are given.
func (self *Awareness) EncodeUpdate(clients ...ClientID) []byte {
	if len(clients) == 0 {
		clients = maps.Keys(self.states)
		slices.Sort(clients)
	}
	b := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, client := range clients {
		entry := self.states[client]
		b = binary.AppendUvarint(b, uint64(client))
		b = binary.AppendUvarint(b, entry.clock)
		if entry.state == nil {
			b = append(b, 0)
		} else {
			b = append(b, 1)
			b = appendLenBytes(b, entry.state)
		}
	}
	return b
}

// ApplyUpdate merges a remote awareness update. Entries older than the
// locally known clock for their client are ignored.
func (self *Awareness) ApplyUpdate(update []byte) error {
	r := &byteReader{b: update}
	count, err := r.uvarint()
	if err != nil {
		return err
	}
	changed := []ClientID{}
	for i := uint64(0); i < count; i += 1 {
		client, err := r.uvarint()
		if err != nil {
			return err
		}
		clock, err := r.uvarint()
		if err != nil {
			return err
		}
		flag, err := r.byte()
		if err != nil {
			return err
		}
		var state []byte
		if flag == 1 {
			raw, err := r.bytes()
			if err != nil {
				return err
			}
			state = append([]byte{}, raw...)
		}
		entry, ok := self.states[ClientID(client)]
		if ok && clock <= entry.clock {
			continue
		}
		self.states[ClientID(client)] = awarenessEntry{clock: clock, state: state}
		changed = append(changed, ClientID(client))
	}
	if 0 < len(changed) {
		self.notify(changed)
	}
	return nil
}
