/*
Package reconcile turns ledger notifications into local document state.

PURPOSE:
  The event reconciliation engine. Each inbound notification is one logical
  task; within it, documents are processed sequentially in ledger order.

PIPELINES:
  Document arrival:
    Enumerate -> Fetch & decode -> Order -> Ingest (-> ledger cleanup)

  Signature arrival:
    locate one document by routing key -> place handles into slots
    -> Aggregator (usage tag, contract isUsageApproved)

  ┌────────────┐   ┌───────────┐   ┌───────┐   ┌────────┐   ┌──────────┐
  │ Enumerate  │──▶│  Fetch    │──▶│ Order │──▶│ Ingest │──▶│ Delete   │
  │ (routing)  │   │ & decode  │   │ by ts │   │ upsert │   │ remote   │
  └────────────┘   └───────────┘   └───────┘   └────────┘   └──────────┘

CONCURRENCY:
  No global lock. Ingestion is idempotent through existence checks, backed by
  the store's (type, referenceId) unique constraint: a Create that loses the
  race returns ErrConflict and the item is treated as already present.
  Batches never fan out internally, so ledger order is preserved.

RETRY:
  A document whose ingestion fails is left on the ledger. The next
  notification or scheduled poll lists it again. There is no separate retry
  queue.

SEE ALSO:
  - ingest.go, signatures.go, approval.go
  - exchange/send.go: the outbound DRAFT -> SENT path
*/
package reconcile

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/metrics"
)

// =============================================================================
// POLICIES
// =============================================================================

// ApprovalPolicy decides when a usage is tagged APPROVED.
type ApprovalPolicy string

const (
	// ApprovalAllRequired approves once every slot on both sides is signed.
	ApprovalAllRequired ApprovalPolicy = "all_required"
	// ApprovalAnySufficient approves once any slot is signed.
	ApprovalAnySufficient ApprovalPolicy = "any_sufficient"
)

// TieBreak orders documents that share a ledger timestamp.
type TieBreak string

const (
	// TieBreakListing keeps the ledger listing order (stable sort).
	TieBreakListing TieBreak = "listing"
	// TieBreakReference orders by reference id.
	TieBreakReference TieBreak = "reference"
)

// OverflowPolicy decides what happens to a signature with no free slot.
type OverflowPolicy string

const (
	// OverflowDrop logs and counts the handle.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowRecord also appends a history entry to the document.
	OverflowRecord OverflowPolicy = "record"
)

// =============================================================================
// ENGINE
// =============================================================================

type Options struct {
	Approval         ApprovalPolicy
	TieBreak         TieBreak
	Overflow         OverflowPolicy
	RetainRemoteCopy bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Now and NewID are replaceable for tests.
	Now   func() time.Time
	NewID func() string
}

func (o *Options) applyDefaults() {
	if o.Approval == "" {
		o.Approval = ApprovalAllRequired
	}
	if o.TieBreak == "" {
		o.TieBreak = TieBreakListing
	}
	if o.Overflow == "" {
		o.Overflow = OverflowRecord
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

type Engine struct {
	store     document.Store
	ledger    ledger.Adapter
	approvals *Aggregator
	opts      Options
	log       *zap.Logger
}

func New(store document.Store, adapter ledger.Adapter, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:     store,
		ledger:    adapter,
		approvals: NewAggregator(store, opts),
		opts:      opts,
		log:       opts.Logger.Named("reconcile"),
	}
}

// Approvals exposes the aggregator so the draft path can reset and
// recompute contract flags.
func (e *Engine) Approvals() *Aggregator { return e.approvals }

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// DocumentArrival announces new ledger documents. Both fields are optional;
// if either is empty every pending document is considered.
type DocumentArrival struct {
	RoutingKey string
	PartyID    document.PartyID
}

// SignatureArrival announces that PartyID signed the document whose routing
// key for that party is RoutingKey.
type SignatureArrival struct {
	RoutingKey string
	PartyID    document.PartyID
}
