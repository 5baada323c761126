package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
)

// SignatureOutcome describes what one signature notification did.
type SignatureOutcome struct {
	// Matches is the number of local documents the routing key selected.
	// Anything other than 1 means nothing was changed.
	Matches    int
	DocumentID string
	Type       document.Type
	Side       document.Side
	Placement  Placement
	Updated    bool

	// PartyMismatch is set when the routing key does not belong to the
	// notifying party for the selected document. Nothing is changed.
	PartyMismatch bool
}

// Ambiguous reports whether the notification selected zero or several documents.
func (o SignatureOutcome) Ambiguous() bool { return o.Matches != 1 }

var signatureTargets = []document.Type{document.TypeContract, document.TypeUsage}
var signatureStates = []document.State{document.StateSent, document.StateReceived}

// HandleSignatures reconciles the signatures a party placed on one document
// into that document's slots. An ambiguous target is logged and ignored.
func (e *Engine) HandleSignatures(ctx context.Context, n SignatureArrival) (SignatureOutcome, error) {
	if n.RoutingKey == "" {
		return SignatureOutcome{}, &document.ValidationError{Field: "routingKey", Message: "required"}
	}
	if n.PartyID == "" {
		return SignatureOutcome{}, &document.ValidationError{Field: "partyId", Message: "required"}
	}
	log := e.log.With(zap.String("party_id", string(n.PartyID)))

	candidates, err := e.store.FindByStorageKey(ctx, n.RoutingKey, signatureTargets, signatureStates)
	if err != nil {
		return SignatureOutcome{}, fmt.Errorf("find signature target: %w", err)
	}
	out := SignatureOutcome{Matches: len(candidates)}
	if len(candidates) != 1 {
		log.Info("ignoring signature notification",
			zap.Int("matches", len(candidates)),
			zap.NamedError("reason", document.ErrAmbiguousSignatureTarget))
		e.opts.Metrics.Ambiguous()
		return out, nil
	}

	target := candidates[0]
	out.DocumentID = target.ID
	out.Type = target.Type
	if e.ledger.RoutingKey(n.PartyID, target.ReferenceID) != n.RoutingKey {
		log.Warn("ignoring signature notification, routing key belongs to another party",
			zap.String("document_id", target.ID),
			zap.String("reference_id", string(target.ReferenceID)))
		out.PartyMismatch = true
		return out, nil
	}
	out.Side = target.SideOf(n.PartyID)
	log = log.With(
		zap.String("document_id", target.ID),
		zap.String("type", string(target.Type)),
		zap.String("side", string(out.Side)))

	sigs, err := e.ledger.ListSignatures(ctx, target.ReferenceID, n.PartyID)
	if err != nil {
		return out, fmt.Errorf("list signatures of %s: %w", target.ReferenceID, err)
	}
	handles := handlesOf(sigs)

	updated, changed, err := updateVersioned(ctx, e.store, target.Type, target.ID,
		func(cur document.Document) (document.Patch, bool, error) {
			next, p := PlaceSignatures(cur.Signatures, out.Side, handles)
			out.Placement = p

			var history []document.HistoryEntry
			now := e.opts.Now()
			for _, h := range p.Assigned {
				history = append(history, document.HistoryEntry{At: now, Action: fmt.Sprintf("signed:%s:%s", out.Side, h)})
			}
			if e.opts.Overflow == OverflowRecord {
				for _, h := range p.Overflow {
					if !recordedOverflow(cur, out.Side, h) {
						history = append(history, document.HistoryEntry{At: now, Action: overflowAction(out.Side, h)})
					}
				}
			}
			if !p.Changed() && len(history) == 0 {
				return document.Patch{}, false, nil
			}

			patch := document.Patch{History: history}
			if p.Changed() {
				patch.Signatures = next
			}
			return patch, true, nil
		})
	if err != nil {
		return out, fmt.Errorf("store signatures on %s %s: %w", target.Type, target.ID, err)
	}
	out.Updated = changed

	e.opts.Metrics.Signature("assigned", len(out.Placement.Assigned))
	e.opts.Metrics.Signature("replayed", len(out.Placement.Replayed))
	e.opts.Metrics.Signature("overflow", len(out.Placement.Overflow))
	if len(out.Placement.Overflow) > 0 {
		log.Warn("signatures exceed slot capacity",
			zap.Int("overflow", len(out.Placement.Overflow)),
			zap.String("policy", string(e.opts.Overflow)))
	}
	log.Debug("signatures reconciled",
		zap.Int("assigned", len(out.Placement.Assigned)),
		zap.Int("replayed", len(out.Placement.Replayed)))

	if updated.Type == document.TypeUsage && out.Placement.Changed() {
		if _, err := e.approvals.EvaluateUsage(ctx, updated.ID); err != nil {
			return out, err
		}
	}
	return out, nil
}

func handlesOf(sigs []ledger.Signature) []document.SignatureHandle {
	handles := make([]document.SignatureHandle, 0, len(sigs))
	for _, s := range sigs {
		handles = append(handles, s.Handle)
	}
	return handles
}

func overflowAction(side document.Side, h document.SignatureHandle) string {
	return fmt.Sprintf("signature_overflow:%s:%s", side, h)
}

// recordedOverflow keeps replayed notifications from repeating the entry.
func recordedOverflow(doc document.Document, side document.Side, h document.SignatureHandle) bool {
	action := overflowAction(side, h)
	for _, entry := range doc.History {
		if entry.Action == action {
			return true
		}
	}
	return false
}
