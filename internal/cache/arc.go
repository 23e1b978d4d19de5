package cache

import (
	"container/list"

	"github.com/pinstack/pinstack/pkg/types"
)

// arcList identifies which of the four ARC lists an item lives on.
type arcList int

const (
	listT1 arcList = iota // resident, seen once recently
	listT2                // resident, seen at least twice
	listB1                // ghost of a T1 eviction
	listB2                // ghost of a T2 eviction
)

type arcItem struct {
	id      types.ContentID
	payload []byte
	where   arcList
	elem    *list.Element
}

// evicted carries a payload pushed out of the resident set so the caller
// can demote it to the overflow tier. where records the resident list the
// entry left, which decides its ghost list if it gets discarded later.
type evicted struct {
	id      types.ContentID
	payload []byte
	where   arcList
}

// arc is the adaptive replacement core of the hot tier. T1 holds entries
// seen once, T2 entries seen again; B1 and B2 remember recently evicted
// keys without their payloads. The target size p of T1 adapts toward
// whichever ghost list is absorbing hits. Invariants: |T1|+|T2| <= c,
// |T1|+|B1| <= c, and all four lists together <= 2c.
//
// Not safe for concurrent use; the owning tier serializes access.
type arc struct {
	c int
	p int

	t1 *list.List
	t2 *list.List
	b1 *list.List
	b2 *list.List

	items map[types.ContentID]*arcItem
}

func newARC(capacity int) *arc {
	return &arc{
		c:     capacity,
		t1:    list.New(),
		t2:    list.New(),
		b1:    list.New(),
		b2:    list.New(),
		items: make(map[types.ContentID]*arcItem),
	}
}

// get returns the resident payload, promoting the entry to the MRU end of
// T2. Ghost entries are not hits.
func (a *arc) get(id types.ContentID) ([]byte, bool) {
	it, ok := a.items[id]
	if !ok || (it.where != listT1 && it.where != listT2) {
		return nil, false
	}
	a.moveTo(it, listT2)
	return it.payload, true
}

// contains reports residency without promoting.
func (a *arc) contains(id types.ContentID) bool {
	it, ok := a.items[id]
	return ok && (it.where == listT1 || it.where == listT2)
}

// request admits a payload under the key, running the full adaptive
// replacement step. It returns any payloads displaced from the resident
// set, and whether the key hit a ghost list (a miss the hot tier would
// have served at a better size).
func (a *arc) request(id types.ContentID, payload []byte) (out []evicted, ghostHit bool) {
	it, ok := a.items[id]

	if ok && (it.where == listT1 || it.where == listT2) {
		it.payload = payload
		a.moveTo(it, listT2)
		return nil, false
	}

	if ok && it.where == listB1 {
		// A B1 hit means T1 was too small.
		a.p = min(a.c, a.p+max(a.b2.Len()/max(a.b1.Len(), 1), 1))
		out = a.replace(false)
		it.payload = payload
		a.moveTo(it, listT2)
		return out, true
	}

	if ok && it.where == listB2 {
		// A B2 hit means T2 was too small.
		a.p = max(0, a.p-max(a.b1.Len()/max(a.b2.Len(), 1), 1))
		out = a.replace(true)
		it.payload = payload
		a.moveTo(it, listT2)
		return out, true
	}

	// Cold key.
	if a.t1.Len()+a.b1.Len() == a.c {
		if a.t1.Len() < a.c {
			a.dropLRU(a.b1)
			out = a.replace(false)
		} else {
			// B1 is empty and T1 is full; the T1 LRU leaves without a ghost.
			out = a.evictLRU(a.t1, listT1, false)
		}
	} else if a.t1.Len()+a.t2.Len()+a.b1.Len()+a.b2.Len() >= a.c {
		if a.t1.Len()+a.t2.Len()+a.b1.Len()+a.b2.Len() >= 2*a.c {
			a.dropLRU(a.b2)
		}
		out = a.replace(false)
	}

	it = &arcItem{id: id, payload: payload}
	a.items[id] = it
	it.elem = a.t1.PushFront(it)
	it.where = listT1
	return out, false
}

// remove deletes the key from whichever list holds it.
func (a *arc) remove(id types.ContentID) ([]byte, bool) {
	it, ok := a.items[id]
	if !ok {
		return nil, false
	}
	resident := it.where == listT1 || it.where == listT2
	payload := it.payload
	a.listFor(it.where).Remove(it.elem)
	delete(a.items, id)
	if !resident {
		return nil, false
	}
	return payload, true
}

func (a *arc) residentLen() int { return a.t1.Len() + a.t2.Len() }

// replace makes room in the resident set, demoting one entry to its ghost
// list. inB2 adjusts the boundary case where the requested key was a B2
// ghost.
func (a *arc) replace(inB2 bool) []evicted {
	if a.t1.Len() > 0 && (a.t1.Len() > a.p || (inB2 && a.t1.Len() == a.p)) {
		return a.evictLRU(a.t1, listT1, true)
	}
	if a.t2.Len() > 0 {
		return a.evictLRU(a.t2, listT2, true)
	}
	if a.t1.Len() > 0 {
		return a.evictLRU(a.t1, listT1, true)
	}
	return nil
}

// evictLRU removes the LRU resident entry of l, optionally leaving a ghost.
func (a *arc) evictLRU(l *list.List, from arcList, ghost bool) []evicted {
	e := l.Back()
	if e == nil {
		return nil
	}
	it := e.Value.(*arcItem)
	out := []evicted{{id: it.id, payload: it.payload, where: from}}
	it.payload = nil

	if ghost {
		target := listB1
		if from == listT2 {
			target = listB2
		}
		a.moveTo(it, target)
	} else {
		l.Remove(e)
		delete(a.items, it.id)
	}
	return out
}

// remember re-records a key as a ghost after the overflow tier discarded
// its payload, so the key's history keeps steering the adaptation target.
// from is the resident list the key was originally evicted off. Keys still
// tracked anywhere are left alone, and the list invariants are preserved
// by dropping older ghosts first.
func (a *arc) remember(id types.ContentID, from arcList) {
	if _, ok := a.items[id]; ok {
		return
	}
	target := listB1
	if from == listT2 {
		target = listB2
	}

	if target == listB1 && a.t1.Len()+a.b1.Len() >= a.c {
		if a.b1.Len() == 0 {
			return
		}
		a.dropLRU(a.b1)
	}
	if a.t1.Len()+a.t2.Len()+a.b1.Len()+a.b2.Len() >= 2*a.c {
		switch {
		case a.listFor(target).Len() > 0:
			a.dropLRU(a.listFor(target))
		case target == listB1 && a.b2.Len() > 0:
			a.dropLRU(a.b2)
		case target == listB2 && a.b1.Len() > 0:
			a.dropLRU(a.b1)
		default:
			return
		}
	}

	it := &arcItem{id: id, where: target}
	a.items[id] = it
	it.elem = a.listFor(target).PushFront(it)
}

// dropLRU discards the LRU ghost of l entirely.
func (a *arc) dropLRU(l *list.List) {
	e := l.Back()
	if e == nil {
		return
	}
	it := e.Value.(*arcItem)
	l.Remove(e)
	delete(a.items, it.id)
}

func (a *arc) moveTo(it *arcItem, where arcList) {
	a.listFor(it.where).Remove(it.elem)
	it.where = where
	it.elem = a.listFor(where).PushFront(it)
}

func (a *arc) listFor(where arcList) *list.List {
	switch where {
	case listT1:
		return a.t1
	case listT2:
		return a.t2
	case listB1:
		return a.b1
	default:
		return a.b2
	}
}
