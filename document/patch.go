package document

import (
	"time"
)

// Patch is a partial update. Nil pointers and nil slices leave fields alone.
// History entries are appended, never replaced.
type Patch struct {
	State         *State
	ReferenceID   *ReferenceID
	BlockchainRef *BlockchainRef
	StorageKeys   []string
	Signatures    []Slot
	Tag           *Tag
	History       []HistoryEntry

	// Variant links. Write-once: setting a different value over a non-empty
	// one fails with *WriteOnceError; setting the same value is a no-op.
	ContractID          *string
	ContractReferenceID *ReferenceID
	UsageID             *string
	PartnerUsageID      *string

	IsUsageApproved *bool
}

// ApplyPatch returns cur with p applied, bumping Version and UpdatedAt.
// It enforces the invariants every store must keep:
//   - referenceId and the variant links are write-once
//   - DRAFT -> SENT is the only forward transition of a draft; RECEIVED never changes state
//   - the slot list never shrinks and a filled slot never loses or changes its handle
func ApplyPatch(cur Document, p Patch, now time.Time) (Document, error) {
	next := cur.Clone()

	if p.State != nil && *p.State != cur.State {
		if !(cur.State == StateDraft && *p.State == StateSent) {
			return Document{}, &ValidationError{Field: "state",
				Message: "transition " + string(cur.State) + " -> " + string(*p.State) + " not allowed"}
		}
		next.State = *p.State
	}

	if p.ReferenceID != nil {
		if err := writeOnce("referenceId", string(cur.ReferenceID), string(*p.ReferenceID)); err != nil {
			return Document{}, err
		}
		next.ReferenceID = *p.ReferenceID
	}
	if p.BlockchainRef != nil {
		ref := *p.BlockchainRef
		next.BlockchainRef = &ref
	}
	if p.StorageKeys != nil {
		next.StorageKeys = append([]string(nil), p.StorageKeys...)
	}
	if p.Signatures != nil {
		if err := checkSlots(cur.Signatures, p.Signatures); err != nil {
			return Document{}, err
		}
		next.Signatures = append([]Slot(nil), p.Signatures...)
	}
	if p.Tag != nil {
		next.Tag = *p.Tag
	}

	if err := applyLinks(&next, p); err != nil {
		return Document{}, err
	}

	next.History = append(next.History, p.History...)
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func applyLinks(next *Document, p Patch) error {
	switch next.Type {
	case TypeContract:
		if p.IsUsageApproved != nil {
			next.Contract.IsUsageApproved = *p.IsUsageApproved
		}
		if p.ContractID != nil || p.ContractReferenceID != nil || p.UsageID != nil || p.PartnerUsageID != nil {
			return &ValidationError{Field: "contract", Message: "contracts carry no parent links"}
		}

	case TypeUsage:
		u := next.Usage
		if p.ContractID != nil {
			if err := writeOnce("contractId", u.ContractID, *p.ContractID); err != nil {
				return err
			}
			u.ContractID = *p.ContractID
		}
		if p.ContractReferenceID != nil {
			if err := writeOnce("contractReferenceId", string(u.ContractReferenceID), string(*p.ContractReferenceID)); err != nil {
				return err
			}
			u.ContractReferenceID = *p.ContractReferenceID
		}
		if p.PartnerUsageID != nil {
			if err := writeOnce("partnerUsageId", u.PartnerUsageID, *p.PartnerUsageID); err != nil {
				return err
			}
			u.PartnerUsageID = *p.PartnerUsageID
		}
		if p.UsageID != nil || p.IsUsageApproved != nil {
			return &ValidationError{Field: "usage", Message: "field not applicable to usages"}
		}

	case TypeSettlement:
		s := next.Settlement
		if p.ContractID != nil {
			if err := writeOnce("contractId", s.ContractID, *p.ContractID); err != nil {
				return err
			}
			s.ContractID = *p.ContractID
		}
		if p.ContractReferenceID != nil {
			if err := writeOnce("contractReferenceId", string(s.ContractReferenceID), string(*p.ContractReferenceID)); err != nil {
				return err
			}
			s.ContractReferenceID = *p.ContractReferenceID
		}
		if p.UsageID != nil {
			if err := writeOnce("usageId", s.UsageID, *p.UsageID); err != nil {
				return err
			}
			s.UsageID = *p.UsageID
		}
		if p.PartnerUsageID != nil || p.IsUsageApproved != nil {
			return &ValidationError{Field: "settlement", Message: "field not applicable to settlements"}
		}
	}
	return nil
}

func writeOnce(field, current, attempted string) error {
	if current != "" && current != attempted {
		return &WriteOnceError{Field: field, Current: current, Attempted: attempted}
	}
	return nil
}

// checkSlots rejects a slot list that drops, reorders or empties existing slots.
func checkSlots(cur, next []Slot) error {
	if len(next) < len(cur) {
		return &ValidationError{Field: "signatureLink", Message: "slot list cannot shrink"}
	}
	for i, s := range cur {
		n := next[i]
		if n.ID != s.ID || n.Side != s.Side || n.Index != s.Index {
			return &ValidationError{Field: "signatureLink", Message: "slot " + s.ID + " moved"}
		}
		if s.Filled() && n.Handle != s.Handle {
			return &ValidationError{Field: "signatureLink", Message: "slot " + s.ID + " already signed"}
		}
	}
	return nil
}

// Ptr returns a pointer to v. Used to build patches.
func Ptr[T any](v T) *T { return &v }
