package main

import "github.com/rmay/thirdloop/internal/evloop"

// handleID is the stable identity of a vmHandle: a small positive integer
// carried on the data stack as a Value, never a raw pointer.
type handleID int

type handleKind uint8

const (
	handleTimer handleKind = iota
	handleTCP
)

// vmHandle is the VM-side half of a Handle record: kind, loop-handle,
// primary callback (an optional Quote), and an implicit back-reference to
// the owning VM via the methods that operate on it. The loop-handle field
// binds it to the concrete evloop.Handle that the event loop actually
// schedules.
type vmHandle struct {
	kind     handleKind
	loopH    evloop.Handle
	callback quoteID // 0 = none armed
	closing  bool
}

// handleTable interns vmHandles the same way quoteTable interns Quotations:
// an append-only slice indexed by handleID, plus a reverse index from the
// provider's own Handle so event dispatch can find the owning vmHandle.
type handleTable struct {
	byID   []*vmHandle
	byLoop map[evloop.Handle]handleID
}

func (ht *handleTable) alloc(kind handleKind, loopH evloop.Handle) handleID {
	if ht.byLoop == nil {
		ht.byLoop = make(map[evloop.Handle]handleID)
	}
	ht.byID = append(ht.byID, &vmHandle{kind: kind, loopH: loopH})
	id := handleID(len(ht.byID))
	ht.byLoop[loopH] = id
	return id
}

func (ht *handleTable) get(id handleID) *vmHandle {
	if i := int(id) - 1; i >= 0 && i < len(ht.byID) {
		return ht.byID[i]
	}
	return nil
}

func (ht *handleTable) byLoopHandle(lh evloop.Handle) (handleID, *vmHandle) {
	id, ok := ht.byLoop[lh]
	if !ok {
		return 0, nil
	}
	return id, ht.get(id)
}

// setCallback stores q as h's callback, discarding whatever quotation was
// previously armed there. Quotations are never actually freed (quoteTable
// is append-only and quotations are never garbage collected) -- only the
// handle's reference to one is replaced.
func (h *vmHandle) setCallback(q quoteID) { h.callback = q }
