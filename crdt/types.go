package crdt

import (
	"encoding/json"
	"fmt"
)

// typed handles over named root containers. handles are cheap and hold no
// state of their own; all access goes through the owning doc under the
// caller's lock.

var errIndexOutOfRange = fmt.Errorf("index out of range")

type Map struct {
	doc  *Doc
	name string
}

func (self *Doc) GetMap(name string) *Map {
	self.mapState(name)
	return &Map{doc: self, name: name}
}

func (self *Map) Set(tx *Txn, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	tx.add(&Op{
		kind:      opMapSet,
		container: self.name,
		key:       key,
		value:     b,
		ts:        self.doc.nextTs(),
	})
	return nil
}

func (self *Map) Delete(tx *Txn, key string) {
	tx.add(&Op{
		kind:      opMapDelete,
		container: self.name,
		key:       key,
		ts:        self.doc.nextTs(),
	})
}

func (self *Map) Get(key string) (any, bool) {
	b, ok := self.doc.mapState(self.name).get(key)
	if !ok {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (self *Map) GetString(key string) (string, bool) {
	v, ok := self.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (self *Map) Keys() []string {
	return self.doc.mapState(self.name).liveKeys()
}

func (self *Map) Len() int {
	return len(self.Keys())
}

func (self *Map) ToJSON() map[string]any {
	out := map[string]any{}
	for _, key := range self.Keys() {
		if v, ok := self.Get(key); ok {
			out[key] = v
		}
	}
	return out
}

type Array struct {
	doc  *Doc
	name string
}

func (self *Doc) GetArray(name string) *Array {
	self.listState(name)
	return &Array{doc: self, name: name}
}

func (self *Array) Insert(tx *Txn, index int, value any) error {
	state := self.doc.listState(self.name)
	if index < 0 || len(state.live()) < index {
		return errIndexOutOfRange
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	left, right := state.neighbors(index)
	pos := self.doc.newPosition(state, left, right)
	tx.add(&Op{
		kind:      opArrayInsert,
		container: self.name,
		positions: []Position{pos},
		value:     b,
	})
	return nil
}

func (self *Array) Push(tx *Txn, value any) error {
	return self.Insert(tx, self.Len(), value)
}

func (self *Array) Delete(tx *Txn, index int) error {
	state := self.doc.listState(self.name)
	live := state.live()
	if index < 0 || len(live) <= index {
		return errIndexOutOfRange
	}
	tx.add(&Op{
		kind:      opListDelete,
		container: self.name,
		targets:   []Position{live[index].pos},
	})
	return nil
}

func (self *Array) Get(index int) (any, bool) {
	live := self.doc.listState(self.name).live()
	if index < 0 || len(live) <= index {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(live[index].value, &out); err != nil {
		return nil, false
	}
	return out, true
}

func (self *Array) Len() int {
	return len(self.doc.listState(self.name).live())
}

func (self *Array) ToJSON() []any {
	live := self.doc.listState(self.name).live()
	out := make([]any, 0, len(live))
	for _, elem := range live {
		var v any
		if err := json.Unmarshal(elem.value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

type Text struct {
	doc  *Doc
	name string
}

func (self *Doc) GetText(name string) *Text {
	self.listState(name)
	return &Text{doc: self, name: name}
}

func (self *Text) Insert(tx *Txn, index int, text string) error {
	if len(text) == 0 {
		return nil
	}
	state := self.doc.listState(self.name)
	if index < 0 || len(state.live()) < index {
		return errIndexOutOfRange
	}
	left, right := state.neighbors(index)
	runes := []rune(text)
	positions := make([]Position, len(runes))
	prev := left
	for i := range runes {
		pos := self.doc.newPosition(state, prev, right)
		positions[i] = pos
		prev = pos
	}
	tx.add(&Op{
		kind:      opTextInsert,
		container: self.name,
		positions: positions,
		text:      text,
	})
	return nil
}

func (self *Text) Delete(tx *Txn, index int, length int) error {
	state := self.doc.listState(self.name)
	live := state.live()
	if index < 0 || length < 0 || len(live) < index+length {
		return errIndexOutOfRange
	}
	if length == 0 {
		return nil
	}
	targets := make([]Position, length)
	for i := 0; i < length; i += 1 {
		targets[i] = live[index+i].pos
	}
	tx.add(&Op{
		kind:      opListDelete,
		container: self.name,
		targets:   targets,
	})
	return nil
}

func (self *Text) Push(tx *Txn, text string) error {
	return self.Insert(tx, self.Len(), text)
}

func (self *Text) String() string {
	live := self.doc.listState(self.name).live()
	runes := make([]rune, 0, len(live))
	for _, elem := range live {
		if elem.text {
			runes = append(runes, elem.r)
		}
	}
	return string(runes)
}

func (self *Text) Len() int {
	return len(self.doc.listState(self.name).live())
}
