package reconcile

import (
	"github.com/warp/contract-ledger/document"
)

// AllocateSlots fixes signature capacity at creation time. Each side gets one
// pre-filled slot per explicit signature, then empty slots up to its
// MinSignatures. Indexes run 0..n-1 per side.
func AllocateSlots(from, to document.SideSpec, newID func() string) []document.Slot {
	slots := allocateSide(nil, document.SideFrom, from, newID)
	return allocateSide(slots, document.SideTo, to, newID)
}

func allocateSide(slots []document.Slot, side document.Side, spec document.SideSpec, newID func() string) []document.Slot {
	n := len(spec.Signatures)
	if spec.MinSignatures > n {
		n = spec.MinSignatures
	}
	for i := 0; i < n; i++ {
		slot := document.Slot{ID: newID(), Side: side, Index: i}
		if i < len(spec.Signatures) {
			slot.Handle = spec.Signatures[i]
		}
		slots = append(slots, slot)
	}
	return slots
}

// Placement is the outcome of reconciling handles into one side.
type Placement struct {
	Assigned []document.SignatureHandle
	Replayed []document.SignatureHandle
	Overflow []document.SignatureHandle
}

func (p Placement) Changed() bool { return len(p.Assigned) > 0 }

// PlaceSignatures assigns handles first-fit by index into the empty slots of
// side. A handle already present on that side is a replay. A handle with no
// empty slot left is reported as overflow. slots is not modified.
func PlaceSignatures(slots []document.Slot, side document.Side, handles []document.SignatureHandle) ([]document.Slot, Placement) {
	next := append([]document.Slot(nil), slots...)
	var p Placement

	for _, h := range handles {
		if h == "" {
			continue
		}
		if holds(next, side, h) {
			p.Replayed = append(p.Replayed, h)
			continue
		}
		i := firstEmpty(next, side)
		if i < 0 {
			p.Overflow = append(p.Overflow, h)
			continue
		}
		next[i].Handle = h
		p.Assigned = append(p.Assigned, h)
	}
	return next, p
}

func holds(slots []document.Slot, side document.Side, h document.SignatureHandle) bool {
	for _, s := range slots {
		if s.Side == side && s.Handle == h {
			return true
		}
	}
	return false
}

// firstEmpty returns the position in slots of the lowest-index empty slot on side.
func firstEmpty(slots []document.Slot, side document.Side) int {
	best := -1
	for i, s := range slots {
		if s.Side != side || s.Filled() {
			continue
		}
		if best < 0 || s.Index < slots[best].Index {
			best = i
		}
	}
	return best
}
