/*
Package ledger defines how the engine talks to the shared private ledger.

PURPOSE:
  The ledger is an append-only private-document store shared by two MSPs.
  The engine never depends on a concrete ledger client; it consumes the
  Adapter and Publisher interfaces below.

KEY INTERFACES:
  Adapter:   list / fetch / delete pending documents, list signatures, routing keys
  Publisher: publish an outbound document (used by the send path)

IMPLEMENTATIONS:
  - memory.go: in-process shared ledger for tests and the dev server

SEE ALSO:
  - routing.go: keyed routing hash
  - envelope.go: payload wire shape
*/
package ledger

import (
	"context"
	"time"

	"github.com/warp/contract-ledger/document"
)

// Meta is the ledger metadata returned alongside a payload.
type Meta struct {
	Kind      string
	TxID      string
	Timestamp time.Time
	From      document.PartyID
	To        document.PartyID
}

// BlockchainRef converts the metadata to the document annotation.
func (m Meta) BlockchainRef() *document.BlockchainRef {
	return &document.BlockchainRef{Kind: m.Kind, TxID: m.TxID, Timestamp: m.Timestamp}
}

// Signature is one opaque signature handle reported by the ledger, in the
// order the ledger recorded it.
type Signature struct {
	Handle   document.SignatureHandle
	Signer   document.PartyID
	SignedAt time.Time
}

// Adapter is consumed by the reconcile engine.
type Adapter interface {
	// ListPending returns reference ids of documents waiting to be ingested.
	ListPending(ctx context.Context) ([]document.ReferenceID, error)

	// Fetch returns the raw payload and ledger metadata for ref.
	Fetch(ctx context.Context, ref document.ReferenceID) ([]byte, Meta, error)

	// Delete removes ref from the ledger. document.ErrNotFound if absent.
	Delete(ctx context.Context, ref document.ReferenceID) error

	// ListSignatures returns the signatures party has placed on ref.
	ListSignatures(ctx context.Context, ref document.ReferenceID, party document.PartyID) ([]Signature, error)

	// RoutingKey is a stable one-way function of (party, ref).
	RoutingKey(party document.PartyID, ref document.ReferenceID) string
}

// Publisher is consumed by the send path.
type Publisher interface {
	// Publish stores payload on the ledger for the two parties and returns
	// the ledger-assigned reference id.
	Publish(ctx context.Context, from, to document.PartyID, payload []byte) (document.ReferenceID, Meta, error)
}
