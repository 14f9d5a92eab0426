package crdt

import (
	"bytes"
	"fmt"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func mustTransact(t *testing.T, doc *Doc, f func(tx *Txn) error) []byte {
	update, err := doc.Transact(f)
	assert.Equal(t, err, nil)
	return update
}

func TestTextLocalEdits(t *testing.T) {
	doc := NewDocWithClientID(1)
	text := doc.GetText("text")

	mustTransact(t, doc, func(tx *Txn) error {
		return text.Insert(tx, 0, "hello world")
	})
	assert.Equal(t, "hello world", text.String())

	mustTransact(t, doc, func(tx *Txn) error {
		return text.Insert(tx, 5, ",")
	})
	assert.Equal(t, "hello, world", text.String())

	mustTransact(t, doc, func(tx *Txn) error {
		return text.Delete(tx, 0, 7)
	})
	assert.Equal(t, "world", text.String())
}

func TestConvergenceDisjointEdits(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	updateA := mustTransact(t, a, func(tx *Txn) error {
		return a.GetText("text").Insert(tx, 0, "abc")
	})
	updateB := mustTransact(t, b, func(tx *Txn) error {
		return b.GetText("text").Insert(tx, 0, "xyz")
	})

	_, err := a.ApplyUpdate(updateB)
	assert.Equal(t, err, nil)
	_, err = b.ApplyUpdate(updateA)
	assert.Equal(t, err, nil)

	sa := a.GetText("text").String()
	sb := b.GetText("text").String()
	assert.Equal(t, sa, sb)
	assert.Equal(t, 6, len(sa))
	for _, c := range []string{"a", "b", "c", "x", "y", "z"} {
		assert.Equal(t, true, bytes.Contains([]byte(sa), []byte(c)))
	}

	ea := a.EncodeStateAsUpdateV1(StateVector{})
	eb := b.EncodeStateAsUpdateV1(StateVector{})
	assert.Equal(t, true, bytes.Equal(ea, eb))
}

func TestIdempotentApply(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	update := mustTransact(t, a, func(tx *Txn) error {
		return a.GetText("text").Insert(tx, 0, "hello")
	})

	applied, err := b.ApplyUpdate(update)
	assert.Equal(t, err, nil)
	assert.Equal(t, false, IsEmptyUpdate(applied))

	before := b.EncodeStateAsUpdateV1(StateVector{})
	applied, err = b.ApplyUpdate(update)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, IsEmptyUpdate(applied))
	after := b.EncodeStateAsUpdateV1(StateVector{})
	assert.Equal(t, true, bytes.Equal(before, after))
}

func TestOutOfOrderDelivery(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	updates := [][]byte{}
	text := a.GetText("text")
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		s := s
		updates = append(updates, mustTransact(t, a, func(tx *Txn) error {
			return text.Push(tx, s)
		}))
	}

	// deliver in reverse. later updates buffer until the prefix arrives.
	for i := len(updates) - 1; 0 <= i; i -= 1 {
		_, err := b.ApplyUpdate(updates[i])
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, "abcde", b.GetText("text").String())
	assert.Equal(t, true, b.StateVector().Equal(a.StateVector()))
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	updateA := mustTransact(t, a, func(tx *Txn) error {
		return a.GetMap("meta").Set(tx, "title", "from a")
	})
	updateB := mustTransact(t, b, func(tx *Txn) error {
		return b.GetMap("meta").Set(tx, "title", "from b")
	})

	_, err := a.ApplyUpdate(updateB)
	assert.Equal(t, err, nil)
	_, err = b.ApplyUpdate(updateA)
	assert.Equal(t, err, nil)

	va, okA := a.GetMap("meta").GetString("title")
	vb, okB := b.GetMap("meta").GetString("title")
	assert.Equal(t, true, okA)
	assert.Equal(t, true, okB)
	assert.Equal(t, va, vb)
}

func TestMapDelete(t *testing.T) {
	doc := NewDocWithClientID(1)
	meta := doc.GetMap("meta")

	mustTransact(t, doc, func(tx *Txn) error {
		if err := meta.Set(tx, "title", "doc"); err != nil {
			return err
		}
		return meta.Set(tx, "icon", "star")
	})
	assert.Equal(t, 2, meta.Len())

	mustTransact(t, doc, func(tx *Txn) error {
		meta.Delete(tx, "icon")
		return nil
	})
	assert.Equal(t, []string{"title"}, meta.Keys())
	_, ok := meta.Get("icon")
	assert.Equal(t, false, ok)
}

func TestArrayOps(t *testing.T) {
	doc := NewDocWithClientID(1)
	array := doc.GetArray("children")

	mustTransact(t, doc, func(tx *Txn) error {
		for _, v := range []string{"one", "two", "three"} {
			if err := array.Push(tx, v); err != nil {
				return err
			}
		}
		return array.Insert(tx, 1, "between")
	})
	assert.Equal(t, 4, array.Len())
	assert.Equal(t, []any{"one", "between", "two", "three"}, array.ToJSON())

	mustTransact(t, doc, func(tx *Txn) error {
		return array.Delete(tx, 0)
	})
	v, ok := array.Get(0)
	assert.Equal(t, true, ok)
	assert.Equal(t, "between", v)
}

func TestStateVectorDiff(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	mustTransact(t, a, func(tx *Txn) error {
		return a.GetText("text").Insert(tx, 0, "shared")
	})
	full := a.EncodeStateAsUpdateV1(StateVector{})
	_, err := b.ApplyUpdate(full)
	assert.Equal(t, err, nil)

	mustTransact(t, a, func(tx *Txn) error {
		return a.GetText("text").Push(tx, " tail")
	})

	// the delta against b's state vector carries only the tail
	delta := a.EncodeStateAsUpdateV1(b.StateVector())
	assert.Equal(t, false, IsEmptyUpdate(delta))
	_, err = b.ApplyUpdate(delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, "shared tail", b.GetText("text").String())

	none := a.EncodeStateAsUpdateV1(b.StateVector())
	assert.Equal(t, true, IsEmptyUpdate(none))
}

func TestDeleteBeforeInsertArrival(t *testing.T) {
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)
	c := NewDocWithClientID(3)

	insert := mustTransact(t, a, func(tx *Txn) error {
		return a.GetText("text").Insert(tx, 0, "x")
	})
	_, err := b.ApplyUpdate(insert)
	assert.Equal(t, err, nil)
	del := mustTransact(t, b, func(tx *Txn) error {
		return b.GetText("text").Delete(tx, 0, 1)
	})

	// c sees the delete first. the tombstone holds until the insert lands.
	_, err = c.ApplyUpdate(del)
	assert.Equal(t, err, nil)
	_, err = c.ApplyUpdate(insert)
	assert.Equal(t, err, nil)
	assert.Equal(t, "", c.GetText("text").String())
}

func TestFailedTransactionRollsBack(t *testing.T) {
	doc := NewDocWithClientID(1)
	text := doc.GetText("text")
	mustTransact(t, doc, func(tx *Txn) error {
		return text.Insert(tx, 0, "keep")
	})
	before := doc.EncodeStateAsUpdateV1(StateVector{})

	boom := fmt.Errorf("boom")
	_, err := doc.Transact(func(tx *Txn) error {
		if err := text.Push(tx, " dropped"); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, "keep", text.String())
	assert.Equal(t, true, bytes.Equal(before, doc.EncodeStateAsUpdateV1(StateVector{})))
	assert.Equal(t, uint64(1), doc.StateVector()[ClientID(1)])
}

func TestReinsertAfterDelete(t *testing.T) {
	doc := NewDocWithClientID(1)
	text := doc.GetText("text")
	mustTransact(t, doc, func(tx *Txn) error {
		return text.Insert(tx, 0, "a")
	})
	mustTransact(t, doc, func(tx *Txn) error {
		return text.Delete(tx, 0, 1)
	})
	mustTransact(t, doc, func(tx *Txn) error {
		return text.Insert(tx, 0, "b")
	})
	assert.Equal(t, "b", text.String())
}

func TestConvergenceRandomInterleaving(t *testing.T) {
	rng := mathrand.New(mathrand.NewSource(42))
	a := NewDocWithClientID(1)
	b := NewDocWithClientID(2)

	updatesA := [][]byte{}
	updatesB := [][]byte{}
	alphabet := "abcdefghijklmnopqrstuvwxyz"
	for i := 0; i < 50; i += 1 {
		doc, updates := a, &updatesA
		if rng.Intn(2) == 1 {
			doc, updates = b, &updatesB
		}
		text := doc.GetText("text")
		update := mustTransact(t, doc, func(tx *Txn) error {
			n := text.Len()
			if 0 < n && rng.Intn(4) == 0 {
				return text.Delete(tx, rng.Intn(n), 1)
			}
			s := string(alphabet[rng.Intn(len(alphabet))])
			return text.Insert(tx, rng.Intn(n+1), s)
		})
		*updates = append(*updates, update)
	}

	rng.Shuffle(len(updatesA), func(i, j int) {
		updatesA[i], updatesA[j] = updatesA[j], updatesA[i]
	})
	rng.Shuffle(len(updatesB), func(i, j int) {
		updatesB[i], updatesB[j] = updatesB[j], updatesB[i]
	})
	for _, update := range updatesB {
		_, err := a.ApplyUpdate(update)
		assert.Equal(t, err, nil)
	}
	for _, update := range updatesA {
		_, err := b.ApplyUpdate(update)
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, a.GetText("text").String(), b.GetText("text").String())
	assert.Equal(t, true, bytes.Equal(
		a.EncodeStateAsUpdateV1(StateVector{}),
		b.EncodeStateAsUpdateV1(StateVector{}),
	))
}
