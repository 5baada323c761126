package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/contract-ledger/document"
)

// =============================================================================
// MEMORY LEDGER - In-process shared ledger (for testing/dev)
// =============================================================================

// Memory is a ledger shared by any number of parties. Each party works
// through a View, which only lists documents addressed to it and keeps its
// own deletion marks, so one party's cleanup never hides a document from the
// other.
type Memory struct {
	mu         sync.RWMutex
	router     Router
	entries    map[document.ReferenceID]*entry
	order      []document.ReferenceID
	signatures map[document.ReferenceID]map[document.PartyID][]Signature
	fetchErrs  map[document.ReferenceID]error
	now        func() time.Time
}

type entry struct {
	payload []byte
	meta    Meta
	deleted map[document.PartyID]bool
}

func NewMemory(routingSecret string) *Memory {
	return &Memory{
		router:     NewRouter(routingSecret),
		entries:    make(map[document.ReferenceID]*entry),
		signatures: make(map[document.ReferenceID]map[document.PartyID][]Signature),
		fetchErrs:  make(map[document.ReferenceID]error),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the timestamp source. Tests use it to control ordering.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// View returns the adapter of one party.
func (m *Memory) View(party document.PartyID) *View {
	return &View{ledger: m, party: party}
}

// Put stores payload under ref with explicit metadata.
func (m *Memory) Put(ref document.ReferenceID, payload []byte, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(ref, payload, meta)
}

func (m *Memory) putLocked(ref document.ReferenceID, payload []byte, meta Meta) {
	if _, exists := m.entries[ref]; !exists {
		m.order = append(m.order, ref)
	}
	m.entries[ref] = &entry{
		payload: append([]byte(nil), payload...),
		meta:    meta,
		deleted: make(map[document.PartyID]bool),
	}
}

// Sign records a signature by party on ref. Re-signing with the same handle
// is ignored.
func (m *Memory) Sign(ref document.ReferenceID, party document.PartyID, handle document.SignatureHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byParty, ok := m.signatures[ref]
	if !ok {
		byParty = make(map[document.PartyID][]Signature)
		m.signatures[ref] = byParty
	}
	for _, s := range byParty[party] {
		if s.Handle == handle {
			return
		}
	}
	byParty[party] = append(byParty[party], Signature{Handle: handle, Signer: party, SignedAt: m.now()})
}

// FailFetch makes Fetch(ref) return err until cleared with a nil err.
func (m *Memory) FailFetch(ref document.ReferenceID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fetchErrs, ref)
		return
	}
	m.fetchErrs[ref] = err
}

// =============================================================================
// VIEW - One party's adapter
// =============================================================================

type View struct {
	ledger *Memory
	party  document.PartyID
}

var (
	_ Adapter   = (*View)(nil)
	_ Publisher = (*View)(nil)
)

func (v *View) Party() document.PartyID { return v.party }

func (v *View) ListPending(_ context.Context) ([]document.ReferenceID, error) {
	m := v.ledger
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := []document.ReferenceID{}
	for _, ref := range m.order {
		e := m.entries[ref]
		if e.meta.To == v.party && !e.deleted[v.party] {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (v *View) Fetch(_ context.Context, ref document.ReferenceID) ([]byte, Meta, error) {
	m := v.ledger
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fetchErrs[ref]; err != nil {
		return nil, Meta{}, fmt.Errorf("%w: fetch %s: %v", document.ErrUpstreamUnavailable, ref, err)
	}
	e, ok := m.entries[ref]
	if !ok || e.deleted[v.party] {
		return nil, Meta{}, fmt.Errorf("fetch %s: %w", ref, document.ErrNotFound)
	}
	return append([]byte(nil), e.payload...), e.meta, nil
}

func (v *View) Delete(_ context.Context, ref document.ReferenceID) error {
	m := v.ledger
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[ref]
	if !ok || e.deleted[v.party] {
		return fmt.Errorf("delete %s: %w", ref, document.ErrNotFound)
	}
	e.deleted[v.party] = true
	return nil
}

func (v *View) ListSignatures(_ context.Context, ref document.ReferenceID, party document.PartyID) ([]Signature, error) {
	m := v.ledger
	m.mu.RLock()
	defer m.mu.RUnlock()

	sigs := append([]Signature(nil), m.signatures[ref][party]...)
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].SignedAt.Before(sigs[j].SignedAt) })
	return sigs, nil
}

func (v *View) RoutingKey(party document.PartyID, ref document.ReferenceID) string {
	return v.ledger.router.RoutingKey(party, ref)
}

// Publish addresses payload from v's party to the counterparty. The
// reference id is a content address over the payload and transaction id.
func (v *View) Publish(_ context.Context, from, to document.PartyID, payload []byte) (document.ReferenceID, Meta, error) {
	m := v.ledger
	m.mu.Lock()
	defer m.mu.Unlock()

	txID := uuid.NewString()
	sum := sha256.Sum256(append(append([]byte(nil), payload...), txID...))
	ref := document.ReferenceID(hex.EncodeToString(sum[:]))
	meta := Meta{Kind: "memory", TxID: txID, Timestamp: m.now(), From: from, To: to}
	m.putLocked(ref, payload, meta)
	return ref, meta, nil
}
