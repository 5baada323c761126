/*
Package exchange implements the owner side of a document exchange.

PURPOSE:
  Drafts are created locally and later sent: published to the ledger and
  moved DRAFT -> SENT. The move is a compare-and-swap on the local store,
  so two concurrent sends of the same draft produce exactly one SENT
  document and one error.

SEND FLOW:
  1. Read the draft; anything but DRAFT -> ErrBusinessRule joined with
     ErrConflict (early exit, nothing published).
  2. Resolve ledger links (a usage/settlement needs its contract's
     reference id).
  3. Dry-run the link patch against the draft, then publish the envelope;
     the ledger assigns the reference id.
  4. ConditionalUpdate(match {id, type, state=DRAFT},
     patch {SENT, referenceId, blockchainRef, storageKeys, history+}).
     A lost race surfaces as *MatchError (ErrConflict) or ErrNotFound.

  If step 4 loses a race the published copy is orphaned on the ledger;
  the counterparty ingests whichever copy it sees and the winning send
  carries its own reference id.

SEE ALSO:
  - document/store.go: ConditionalUpdate contract
  - reconcile/approval.go: ResetContract called for new usage drafts
*/
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/metrics"
	"github.com/warp/contract-ledger/reconcile"
)

// Router is the routing-key half of the ledger adapter.
type Router interface {
	RoutingKey(party document.PartyID, ref document.ReferenceID) string
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

func (o *Options) applyDefaults() {
	o.Logger = logging.OrNop(o.Logger)
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// =============================================================================
// SENDER
// =============================================================================

type Sender struct {
	store     document.Store
	publisher ledger.Publisher
	router    Router
	opts      Options
	log       *zap.Logger
}

func NewSender(store document.Store, publisher ledger.Publisher, router Router, opts Options) *Sender {
	opts.applyDefaults()
	return &Sender{
		store:     store,
		publisher: publisher,
		router:    router,
		opts:      opts,
		log:       opts.Logger.Named("exchange"),
	}
}

// Send publishes a draft and moves it to SENT.
//
// Every way of losing to a concurrent send matches document.ErrConflict:
// a sender that reads the draft after the winner committed gets
// ErrBusinessRule joined with ErrConflict, one that loses the swap gets a
// *MatchError. A patch the draft cannot take fails before anything is
// published.
func (s *Sender) Send(ctx context.Context, typ document.Type, id string) (document.Document, error) {
	log := s.log.With(zap.String("type", string(typ)), zap.String("id", id))

	draft, err := s.store.Get(ctx, typ, id)
	if err != nil {
		return document.Document{}, fmt.Errorf("send %s %s: %w", typ, id, err)
	}
	if draft.State != document.StateDraft {
		s.opts.Metrics.Transition(string(typ), "rejected")
		return document.Document{}, fmt.Errorf("send %s %s in state %s: %w: %w",
			typ, id, draft.State, document.ErrBusinessRule, document.ErrConflict)
	}

	cur := draft.Clone()
	patch, err := s.links(ctx, &draft)
	if err != nil {
		s.opts.Metrics.Transition(string(typ), "failed")
		return document.Document{}, err
	}

	// Dry run: a write-once conflict must surface before the ledger sees anything.
	dry := patch
	dry.State = document.Ptr(document.StateSent)
	if _, err := document.ApplyPatch(cur, dry, s.opts.Now()); err != nil {
		s.opts.Metrics.Transition(string(typ), "rejected")
		return document.Document{}, fmt.Errorf("send %s %s: %w", typ, id, err)
	}

	payload, err := ledger.EncodeEnvelope(draft)
	if err != nil {
		s.opts.Metrics.Transition(string(typ), "failed")
		return document.Document{}, err
	}
	from, to := draft.Parties()
	ref, meta, err := s.publisher.Publish(ctx, from, to, payload)
	if err != nil {
		s.opts.Metrics.Transition(string(typ), "failed")
		return document.Document{}, fmt.Errorf("publish %s %s: %w", typ, id, err)
	}

	patch.State = document.Ptr(document.StateSent)
	patch.ReferenceID = document.Ptr(ref)
	patch.BlockchainRef = meta.BlockchainRef()
	patch.StorageKeys = ledger.StorageKeys(s.router, from, to, ref)
	patch.History = []document.HistoryEntry{{At: s.opts.Now(), Action: "sent"}}

	sent, err := s.store.ConditionalUpdate(ctx,
		document.Match{ID: id, Type: typ, State: document.StateDraft}, patch)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, document.ErrConflict) || errors.Is(err, document.ErrNotFound) {
			outcome = "rejected"
		}
		s.opts.Metrics.Transition(string(typ), outcome)
		log.Warn("send transition lost", zap.String("reference_id", string(ref)), zap.Error(err))
		return document.Document{}, fmt.Errorf("send %s %s: %w", typ, id, err)
	}

	s.opts.Metrics.Transition(string(typ), "sent")
	log.Info("document sent", zap.String("reference_id", string(ref)))
	return sent, nil
}

// links fills the ledger-level parent references into draft and returns the
// matching write-once patch fields.
func (s *Sender) links(ctx context.Context, draft *document.Document) (document.Patch, error) {
	var patch document.Patch

	switch draft.Type {
	case document.TypeUsage:
		ref, err := s.exchangedRef(ctx, document.TypeContract, draft.Usage.ContractID)
		if err != nil {
			return patch, err
		}
		draft.Usage.ContractReferenceID = ref
		patch.ContractReferenceID = document.Ptr(ref)

	case document.TypeSettlement:
		ref, err := s.exchangedRef(ctx, document.TypeContract, draft.Settlement.ContractID)
		if err != nil {
			return patch, err
		}
		draft.Settlement.ContractReferenceID = ref
		patch.ContractReferenceID = document.Ptr(ref)

		if usageID := draft.Settlement.UsageID; usageID != "" {
			usageRef, err := s.exchangedRef(ctx, document.TypeUsage, usageID)
			if err != nil {
				return patch, err
			}
			draft.Settlement.UsageReferenceID = usageRef
		}
	}
	return patch, nil
}

func (s *Sender) exchangedRef(ctx context.Context, typ document.Type, id string) (document.ReferenceID, error) {
	if id == "" {
		return "", &document.ValidationError{Field: string(typ) + "Id", Message: "required"}
	}
	parent, err := s.store.Get(ctx, typ, id)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", typ, id, err)
	}
	if parent.ReferenceID == "" {
		return "", fmt.Errorf("%s %s not exchanged yet: %w", typ, id, document.ErrBusinessRule)
	}
	return parent.ReferenceID, nil
}

// =============================================================================
// DRAFTS
// =============================================================================

type Drafts struct {
	store     document.Store
	approvals *reconcile.Aggregator
	opts      Options
}

func NewDrafts(store document.Store, approvals *reconcile.Aggregator, opts Options) *Drafts {
	opts.applyDefaults()
	return &Drafts{store: store, approvals: approvals, opts: opts}
}

// Create stores a new DRAFT. Slots are allocated from the declared side
// specs. A usage draft resets its contract's isUsageApproved flag.
func (d *Drafts) Create(ctx context.Context, doc document.Document) (document.Document, error) {
	from, to := doc.Parties()
	if from == "" || to == "" {
		return document.Document{}, &document.ValidationError{Field: "parties", Message: "both parties are required"}
	}
	if from == to {
		return document.Document{}, &document.ValidationError{Field: "parties", Message: "parties must differ"}
	}

	now := d.opts.Now()
	fromSpec, toSpec := doc.SideSpecs()

	doc.ID = d.opts.NewID()
	doc.State = document.StateDraft
	doc.ReferenceID = ""
	doc.BlockchainRef = nil
	doc.StorageKeys = nil
	doc.Tag = document.TagNone
	clearLedgerLinks(&doc)
	doc.Signatures = reconcile.AllocateSlots(fromSpec, toSpec, d.opts.NewID)
	doc.History = []document.HistoryEntry{{At: now, Action: "created"}}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if contractID := doc.ContractID(); contractID != "" {
		_, err := d.store.Get(ctx, document.TypeContract, contractID)
		if errors.Is(err, document.ErrNotFound) {
			return document.Document{}, fmt.Errorf("contract %s: %w", contractID, document.ErrParentNotFound)
		}
		if err != nil {
			return document.Document{}, fmt.Errorf("contract %s: %w", contractID, err)
		}
	}
	if doc.Type == document.TypeContract && doc.Contract != nil {
		doc.Contract.IsUsageApproved = false
	}

	if err := d.store.Create(ctx, doc); err != nil {
		return document.Document{}, fmt.Errorf("create draft %s: %w", doc.Type, err)
	}

	if doc.Type == document.TypeUsage && doc.Usage.ContractID != "" {
		if err := d.approvals.ResetContract(ctx, doc.Usage.ContractID); err != nil {
			return document.Document{}, err
		}
	}
	return d.store.Get(ctx, doc.Type, doc.ID)
}

// clearLedgerLinks drops links that only the send and ingest paths may set.
func clearLedgerLinks(doc *document.Document) {
	switch {
	case doc.Usage != nil:
		doc.Usage.ContractReferenceID = ""
		doc.Usage.PartnerUsageID = ""
	case doc.Settlement != nil:
		doc.Settlement.ContractReferenceID = ""
		doc.Settlement.UsageReferenceID = ""
	}
}
