package reconcile

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
)

// =============================================================================
// ENUMERATE
// =============================================================================

// Enumerate lists candidate reference ids. Without both a routing key and a
// party it returns every pending id.
func (e *Engine) Enumerate(ctx context.Context, n DocumentArrival) ([]document.ReferenceID, error) {
	refs, err := e.ledger.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending references: %w", err)
	}
	if n.RoutingKey == "" || n.PartyID == "" {
		return refs, nil
	}

	matched := make([]document.ReferenceID, 0, 1)
	for _, ref := range refs {
		if e.ledger.RoutingKey(n.PartyID, ref) == n.RoutingKey {
			matched = append(matched, ref)
		}
	}
	return matched, nil
}

// =============================================================================
// FETCH & DECODE
// =============================================================================

// Fetched is a decoded ledger document, annotated with its BlockchainRef but
// not yet stored.
type Fetched struct {
	Ref  document.ReferenceID
	Doc  document.Document
	Meta ledger.Meta
}

// Fetch resolves each reference id. Failures are recorded on report per
// item; they never stop the rest of the batch.
func (e *Engine) Fetch(ctx context.Context, refs []document.ReferenceID, report *Report) []Fetched {
	out := make([]Fetched, 0, len(refs))
	for _, ref := range refs {
		f, stage, err := e.fetchOne(ctx, ref)
		if err != nil {
			e.log.Warn("skipping ledger document",
				zap.String("reference_id", string(ref)),
				zap.String("stage", string(stage)),
				zap.Error(err))
			e.opts.Metrics.IngestFailed(string(stage))
			report.fail(ref, stage, err)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (e *Engine) fetchOne(ctx context.Context, ref document.ReferenceID) (Fetched, Stage, error) {
	raw, meta, err := e.ledger.Fetch(ctx, ref)
	if err != nil {
		return Fetched{}, StageFetch, err
	}
	env, err := ledger.DecodeEnvelope(raw)
	if err != nil {
		return Fetched{}, StageDecode, err
	}
	doc, err := env.Document(ref)
	if err != nil {
		return Fetched{}, StageDecode, err
	}
	doc.BlockchainRef = meta.BlockchainRef()
	return Fetched{Ref: ref, Doc: doc, Meta: meta}, "", nil
}

// =============================================================================
// ORDER
// =============================================================================

// Order returns items sorted by ledger timestamp ascending. Parents usually
// precede children in ledger time, so this maximises the chance a usage's
// contract is already stored when the usage is ingested.
func Order(items []Fetched, tieBreak TieBreak) []Fetched {
	out := append([]Fetched(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Meta.Timestamp, out[j].Meta.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if tieBreak == TieBreakReference {
			return out[i].Ref < out[j].Ref
		}
		return false
	})
	return out
}
