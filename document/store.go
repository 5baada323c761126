/*
store.go - Persistence interface for business documents

PURPOSE:
  Defines the interface between the reconcile/exchange logic and the local
  mirror database. Documents are never physically deleted here; deletion of
  the remote ledger copy is a separate concern.

KEY INTERFACES:
  Store: create / find / conditional update primitives

UNIQUENESS CONTRACT:
  - (type, id) is unique
  - (type, referenceId) is unique once referenceId is set
  A Create that violates either returns ErrConflict. Callers treat that as
  "someone else already created it" and re-read by reference id.

CONDITIONAL UPDATE:
  ConditionalUpdate is the only mutation. It applies a Patch only if the
  stored document matches {ID, Type, State?, Version?}, as one atomic
  read-modify-write inside the store. Write-once and slot rules are applied
  by ApplyPatch so every implementation enforces the same invariants.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - document/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - patch.go: Patch semantics
  - exchange/send.go: DRAFT -> SENT via ConditionalUpdate
*/
package document

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Create persists a new document. ErrConflict on duplicate, ErrValidation
	// on a malformed document.
	Create(ctx context.Context, doc Document) error

	// Get returns the document by local id. ErrNotFound if absent.
	Get(ctx context.Context, typ Type, id string) (Document, error)

	// FindByReferenceID returns the document with the ledger reference id.
	FindByReferenceID(ctx context.Context, typ Type, ref ReferenceID) (Document, error)

	ExistsByReferenceID(ctx context.Context, typ Type, ref ReferenceID) (bool, error)

	// FindByStorageKey returns documents of the given types whose storage
	// keys contain key and whose state is one of states.
	FindByStorageKey(ctx context.Context, key string, types []Type, states []State) ([]Document, error)

	// ListByContract returns usages or settlements of a contract, oldest first.
	ListByContract(ctx context.Context, typ Type, contractID string) ([]Document, error)

	// LatestByContract returns the most recently updated document of typ in
	// state under the contract. ErrNotFound if none.
	LatestByContract(ctx context.Context, typ Type, contractID string, state State) (Document, error)

	// List returns all documents of a type, oldest first.
	List(ctx context.Context, typ Type) ([]Document, error)

	// ConditionalUpdate atomically applies patch when the stored document
	// matches. ErrNotFound if no document has {ID, Type}; *MatchError if it
	// exists but State/Version differ; *WriteOnceError on a write-once breach.
	ConditionalUpdate(ctx context.Context, match Match, patch Patch) (Document, error)
}

// Match is the condition of a conditional update. Zero State/Version match any.
type Match struct {
	ID      string
	Type    Type
	State   State
	Version int64
}

// Check compares the condition against a stored document.
func (m Match) Check(cur Document) error {
	if m.State != "" && cur.State != m.State {
		return &MatchError{ID: m.ID, Type: m.Type, ExpectedState: m.State, ActualState: cur.State,
			ExpectedVersion: m.Version, ActualVersion: cur.Version}
	}
	if m.Version != 0 && cur.Version != m.Version {
		return &MatchError{ID: m.ID, Type: m.Type, ExpectedVersion: m.Version, ActualVersion: cur.Version}
	}
	return nil
}
