/*
Package document provides the shared business document model.

PURPOSE:
  Contracts, usages and settlements are exchanged between two MSPs over a
  private ledger and mirrored locally. They share one base record (identity,
  state, ledger reference, signature slots, history) and carry exactly one
  variant payload selected by Type.

KEY CONCEPTS IN THIS FILE (types.go):
  - Document: base record + tagged variant payload
  - Slot: pre-allocated capacity for one expected signature on one side
  - BlockchainRef: where and when the ledger recorded the document
  - SideSpec: declared signature capacity for one party

STATES:
  DRAFT     created locally, not yet published
  SENT      published by this party (DRAFT -> SENT exactly once)
  RECEIVED  ingested from the counterparty, never a draft

SEE ALSO:
  - patch.go: write-once and slot rules applied by every store
  - store.go: persistence interface
  - errors.go: error taxonomy
*/
package document

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS & ENUMS
// =============================================================================

type PartyID string
type ReferenceID string
type SignatureHandle string

type Type string

const (
	TypeContract   Type = "contract"
	TypeUsage      Type = "usage"
	TypeSettlement Type = "settlement"
)

// ParseType returns the Type named by s, or false if s names no known type.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case TypeContract, TypeUsage, TypeSettlement:
		return Type(s), true
	}
	return "", false
}

type State string

const (
	StateDraft    State = "DRAFT"
	StateSent     State = "SENT"
	StateReceived State = "RECEIVED"
)

type Tag string

const (
	TagNone     Tag = ""
	TagApproved Tag = "APPROVED"
	TagRejected Tag = "REJECTED"
)

// Side is one of the two exchanging roles on a document.
// SideFrom is fromMsp on contracts and mspOwner on usages/settlements.
type Side string

const (
	SideFrom Side = "from"
	SideTo   Side = "to"
)

// =============================================================================
// LEDGER REFERENCE & SIGNATURE SLOTS
// =============================================================================

type BlockchainRef struct {
	Kind      string    `json:"kind"`
	TxID      string    `json:"txId"`
	Timestamp time.Time `json:"timestamp"`
}

// Slot is capacity for one signature. Handle is empty until a signature lands.
type Slot struct {
	ID     string          `json:"id"`
	Side   Side            `json:"side"`
	Index  int             `json:"index"`
	Handle SignatureHandle `json:"handle,omitempty"`
}

func (s Slot) Filled() bool { return s.Handle != "" }

// SideSpec declares the signatures a party supplied and the minimum it expects.
type SideSpec struct {
	MinSignatures int               `json:"minSignatures"`
	Signatures    []SignatureHandle `json:"signatures,omitempty"`
}

type HistoryEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
}

// =============================================================================
// VARIANT PAYLOADS
// =============================================================================

type ContractBody struct {
	FromMsp         PartyID         `json:"fromMsp"`
	ToMsp           PartyID         `json:"toMsp"`
	Name            string          `json:"name,omitempty"`
	Terms           json.RawMessage `json:"terms,omitempty"`
	FromSide        SideSpec        `json:"fromSide"`
	ToSide          SideSpec        `json:"toSide"`
	IsUsageApproved bool            `json:"isUsageApproved"`
}

type UsageRecord struct {
	Service string          `json:"service"`
	Volume  decimal.Decimal `json:"volume"`
	Unit    string          `json:"unit"`
}

type UsageBody struct {
	MspOwner            PartyID       `json:"mspOwner"`
	MspReceiver         PartyID       `json:"mspReceiver"`
	ContractID          string        `json:"contractId,omitempty"`
	ContractReferenceID ReferenceID   `json:"contractReferenceId,omitempty"`
	PartnerUsageID      string        `json:"partnerUsageId,omitempty"`
	PeriodStart         time.Time     `json:"periodStart"`
	PeriodEnd           time.Time     `json:"periodEnd"`
	Records             []UsageRecord `json:"records,omitempty"`
	OwnerSide           SideSpec      `json:"ownerSide"`
	ReceiverSide        SideSpec      `json:"receiverSide"`
}

// Total sums record volumes. Units are not converted.
func (u *UsageBody) Total() decimal.Decimal {
	total := decimal.Zero
	for _, r := range u.Records {
		total = total.Add(r.Volume)
	}
	return total
}

type SettlementBody struct {
	MspOwner            PartyID         `json:"mspOwner"`
	MspReceiver         PartyID         `json:"mspReceiver"`
	ContractID          string          `json:"contractId,omitempty"`
	ContractReferenceID ReferenceID     `json:"contractReferenceId,omitempty"`
	UsageID             string          `json:"usageId,omitempty"`
	UsageReferenceID    ReferenceID     `json:"usageReferenceId,omitempty"`
	Total               decimal.Decimal `json:"total"`
	Currency            string          `json:"currency,omitempty"`
	OwnerSide           SideSpec        `json:"ownerSide"`
	ReceiverSide        SideSpec        `json:"receiverSide"`
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is the base record shared by all variants. Exactly one of
// Contract, Usage or Settlement is set and it must match Type.
type Document struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	State         State          `json:"state"`
	ReferenceID   ReferenceID    `json:"referenceId,omitempty"`
	BlockchainRef *BlockchainRef `json:"blockchainRef,omitempty"`
	StorageKeys   []string       `json:"storageKeys,omitempty"`
	Signatures    []Slot         `json:"signatureLink,omitempty"`
	Tag           Tag            `json:"tag,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"creationDate"`
	UpdatedAt     time.Time      `json:"lastModificationDate"`
	Version       int64          `json:"version"`

	Contract   *ContractBody   `json:"contract,omitempty"`
	Usage      *UsageBody      `json:"usage,omitempty"`
	Settlement *SettlementBody `json:"settlement,omitempty"`
}

// Parties returns the (from, to) identities of the document.
func (d *Document) Parties() (PartyID, PartyID) {
	switch d.Type {
	case TypeContract:
		if d.Contract != nil {
			return d.Contract.FromMsp, d.Contract.ToMsp
		}
	case TypeUsage:
		if d.Usage != nil {
			return d.Usage.MspOwner, d.Usage.MspReceiver
		}
	case TypeSettlement:
		if d.Settlement != nil {
			return d.Settlement.MspOwner, d.Settlement.MspReceiver
		}
	}
	return "", ""
}

// SideSpecs returns the declared (from, to) signature capacity.
func (d *Document) SideSpecs() (SideSpec, SideSpec) {
	switch d.Type {
	case TypeContract:
		if d.Contract != nil {
			return d.Contract.FromSide, d.Contract.ToSide
		}
	case TypeUsage:
		if d.Usage != nil {
			return d.Usage.OwnerSide, d.Usage.ReceiverSide
		}
	case TypeSettlement:
		if d.Settlement != nil {
			return d.Settlement.OwnerSide, d.Settlement.ReceiverSide
		}
	}
	return SideSpec{}, SideSpec{}
}

// ContractID returns the parent contract id for usages and settlements.
func (d *Document) ContractID() string {
	switch d.Type {
	case TypeUsage:
		if d.Usage != nil {
			return d.Usage.ContractID
		}
	case TypeSettlement:
		if d.Settlement != nil {
			return d.Settlement.ContractID
		}
	}
	return ""
}

// ContractReferenceID returns the ledger-level link to the parent contract.
func (d *Document) ContractReferenceID() ReferenceID {
	switch d.Type {
	case TypeUsage:
		if d.Usage != nil {
			return d.Usage.ContractReferenceID
		}
	case TypeSettlement:
		if d.Settlement != nil {
			return d.Settlement.ContractReferenceID
		}
	}
	return ""
}

// SideOf reports which side party occupies. Anything that is not the
// from/owner identity is treated as the to/receiver side; callers check
// that party is one of the two before placing anything.
func (d *Document) SideOf(party PartyID) Side {
	from, _ := d.Parties()
	if party == from {
		return SideFrom
	}
	return SideTo
}

// ExchangedAt is the ledger timestamp, or the last local modification for
// documents that never reached the ledger.
func (d *Document) ExchangedAt() time.Time {
	if d.BlockchainRef != nil && !d.BlockchainRef.Timestamp.IsZero() {
		return d.BlockchainRef.Timestamp
	}
	return d.UpdatedAt
}

// HasStorageKey reports whether key is one of the document's routing keys.
func (d *Document) HasStorageKey(key string) bool {
	for _, k := range d.StorageKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Validate checks the tagged-union shape and mandatory fields.
func (d *Document) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if _, ok := ParseType(string(d.Type)); !ok {
		return &ValidationError{Field: "type", Message: "unknown type " + string(d.Type)}
	}
	switch d.State {
	case StateDraft, StateSent, StateReceived:
	default:
		return &ValidationError{Field: "state", Message: "unknown state " + string(d.State)}
	}

	set := 0
	if d.Contract != nil {
		set++
	}
	if d.Usage != nil {
		set++
	}
	if d.Settlement != nil {
		set++
	}
	if set != 1 {
		return &ValidationError{Field: "payload", Message: "exactly one variant payload must be set"}
	}

	switch d.Type {
	case TypeContract:
		if d.Contract == nil {
			return &ValidationError{Field: "contract", Message: "payload does not match type"}
		}
	case TypeUsage:
		if d.Usage == nil {
			return &ValidationError{Field: "usage", Message: "payload does not match type"}
		}
	case TypeSettlement:
		if d.Settlement == nil {
			return &ValidationError{Field: "settlement", Message: "payload does not match type"}
		}
	}

	if d.State != StateDraft && d.ReferenceID == "" {
		return &ValidationError{Field: "referenceId", Message: "required once exchanged"}
	}
	return nil
}

// Clone returns a deep copy so stores never share mutable slices with callers.
func (d Document) Clone() Document {
	out := d
	if d.BlockchainRef != nil {
		ref := *d.BlockchainRef
		out.BlockchainRef = &ref
	}
	out.StorageKeys = append([]string(nil), d.StorageKeys...)
	out.Signatures = append([]Slot(nil), d.Signatures...)
	out.History = append([]HistoryEntry(nil), d.History...)
	if d.Contract != nil {
		c := *d.Contract
		c.Terms = append(json.RawMessage(nil), d.Contract.Terms...)
		c.FromSide = cloneSide(d.Contract.FromSide)
		c.ToSide = cloneSide(d.Contract.ToSide)
		out.Contract = &c
	}
	if d.Usage != nil {
		u := *d.Usage
		u.Records = append([]UsageRecord(nil), d.Usage.Records...)
		u.OwnerSide = cloneSide(d.Usage.OwnerSide)
		u.ReceiverSide = cloneSide(d.Usage.ReceiverSide)
		out.Usage = &u
	}
	if d.Settlement != nil {
		s := *d.Settlement
		s.OwnerSide = cloneSide(d.Settlement.OwnerSide)
		s.ReceiverSide = cloneSide(d.Settlement.ReceiverSide)
		out.Settlement = &s
	}
	return out
}

func cloneSide(s SideSpec) SideSpec {
	s.Signatures = append([]SignatureHandle(nil), s.Signatures...)
	return s
}

// SlotsOn returns the slots of one side ordered by index.
func SlotsOn(slots []Slot, side Side) []Slot {
	var out []Slot
	for _, s := range slots {
		if s.Side == side {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
