/*
ingest.go - Idempotent ingestion of ledger documents

PURPOSE:
  Upserts each fetched document into local storage exactly once, links it to
  its parent, and cleans up the remote ledger copy.

PER TYPE:
  Contract:   exists by referenceId -> unchanged. Else storage keys from
              (fromMsp, toMsp), allocate slots, create RECEIVED.
  Usage:      exists -> unchanged. Else resolve parent contract by
              contractReferenceId (missing parent fails the item only), set
              contractId, create RECEIVED, pair with the latest SENT usage of
              the contract, evaluate approval.
  Settlement: like usage against the parent contract; links usageId when
              usageReferenceId resolves locally.

FAILURE POLICY:
  Any error in one document's pipeline is recorded on the Report and the
  item is skipped. Its ledger copy stays, so the next poll retries it.
  Deleting the ledger copy happens only after the local write succeeded and
  its failure never rolls the local write back.
*/
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
)

// HandleDocuments runs the full document-arrival pipeline for one
// notification. It only returns an error when the ledger listing itself
// fails; per-document failures are on the Report.
func (e *Engine) HandleDocuments(ctx context.Context, n DocumentArrival) (*Report, error) {
	report := &Report{}

	refs, err := e.Enumerate(ctx, n)
	if err != nil {
		return report, err
	}
	report.Listed = len(refs)
	if len(refs) == 0 {
		return report, nil
	}

	fetched := e.Fetch(ctx, refs, report)
	e.Ingest(ctx, Order(fetched, e.opts.TieBreak), report)

	e.log.Info("document arrival reconciled",
		zap.Int("listed", report.Listed),
		zap.Int("stored", len(report.Stored)),
		zap.Int("failed", len(report.Failures)),
		zap.Int("cleanup_failed", len(report.CleanupFailures)))
	return report, nil
}

// Ingest stores ordered documents one at a time, in order.
func (e *Engine) Ingest(ctx context.Context, ordered []Fetched, report *Report) {
	for _, f := range ordered {
		log := e.log.With(
			zap.String("reference_id", string(f.Ref)),
			zap.String("type", string(f.Doc.Type)))

		doc, created, err := e.ingestOne(ctx, f)
		if err != nil {
			log.Warn("ingestion failed, leaving document on ledger",
				zap.Bool("retryable", document.IsRetryable(err)),
				zap.Error(err))
			e.opts.Metrics.IngestFailed(string(StageIngest))
			report.fail(f.Ref, StageIngest, err)
			continue
		}

		outcome := "existing"
		if created {
			outcome = "created"
		}
		e.opts.Metrics.Ingested(string(doc.Type), outcome)
		log.Debug("document stored", zap.String("id", doc.ID), zap.Bool("created", created))
		report.stored(doc, created)

		e.cleanup(ctx, f.Ref, report, log)
	}
}

func (e *Engine) ingestOne(ctx context.Context, f Fetched) (document.Document, bool, error) {
	switch f.Doc.Type {
	case document.TypeContract:
		return e.ingestContract(ctx, f)
	case document.TypeUsage:
		return e.ingestUsage(ctx, f)
	case document.TypeSettlement:
		return e.ingestSettlement(ctx, f)
	}
	return document.Document{}, false, &document.TypeError{ReferenceID: f.Ref, Declared: string(f.Doc.Type)}
}

func (e *Engine) cleanup(ctx context.Context, ref document.ReferenceID, report *Report, log *zap.Logger) {
	if e.opts.RetainRemoteCopy {
		e.opts.Metrics.Cleanup("retained")
		return
	}
	if err := e.ledger.Delete(ctx, ref); err != nil {
		log.Warn("ledger cleanup failed, local copy kept", zap.Error(err))
		e.opts.Metrics.Cleanup("failed")
		report.fail(ref, StageCleanup, err)
		return
	}
	e.opts.Metrics.Cleanup("deleted")
}

// =============================================================================
// PER TYPE
// =============================================================================

func (e *Engine) ingestContract(ctx context.Context, f Fetched) (document.Document, bool, error) {
	if existing, found, err := e.existing(ctx, f); err != nil || found {
		return existing, false, err
	}
	return e.createReceived(ctx, f, f.Doc.Clone())
}

func (e *Engine) ingestUsage(ctx context.Context, f Fetched) (document.Document, bool, error) {
	if existing, found, err := e.existing(ctx, f); err != nil || found {
		return existing, false, err
	}

	doc := f.Doc.Clone()
	contract, err := e.parentContract(ctx, doc.Usage.ContractReferenceID)
	if err != nil {
		return document.Document{}, false, err
	}
	doc.Usage.ContractID = contract.ID

	usage, created, err := e.createReceived(ctx, f, doc)
	if err != nil || !created {
		return usage, created, err
	}

	// The usage is stored; follow-up linking is best effort and does not
	// fail the item.
	e.pairWithSentUsage(ctx, usage)
	if _, err := e.approvals.EvaluateUsage(ctx, usage.ID); err != nil {
		e.log.Warn("approval evaluation failed", zap.String("usage_id", usage.ID), zap.Error(err))
	}
	return usage, true, nil
}

func (e *Engine) ingestSettlement(ctx context.Context, f Fetched) (document.Document, bool, error) {
	if existing, found, err := e.existing(ctx, f); err != nil || found {
		return existing, false, err
	}

	doc := f.Doc.Clone()
	contract, err := e.parentContract(ctx, doc.Settlement.ContractReferenceID)
	if err != nil {
		return document.Document{}, false, err
	}
	doc.Settlement.ContractID = contract.ID

	if ref := doc.Settlement.UsageReferenceID; ref != "" {
		usage, err := e.store.FindByReferenceID(ctx, document.TypeUsage, ref)
		switch {
		case err == nil:
			doc.Settlement.UsageID = usage.ID
		case errors.Is(err, document.ErrNotFound):
			e.log.Debug("settlement usage not stored locally",
				zap.String("usage_reference_id", string(ref)))
		default:
			return document.Document{}, false, err
		}
	}

	return e.createReceived(ctx, f, doc)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) existing(ctx context.Context, f Fetched) (document.Document, bool, error) {
	doc, err := e.store.FindByReferenceID(ctx, f.Doc.Type, f.Ref)
	if err == nil {
		return doc, true, nil
	}
	if errors.Is(err, document.ErrNotFound) {
		return document.Document{}, false, nil
	}
	return document.Document{}, false, fmt.Errorf("lookup %s %s: %w", f.Doc.Type, f.Ref, err)
}

func (e *Engine) parentContract(ctx context.Context, ref document.ReferenceID) (document.Document, error) {
	if ref == "" {
		return document.Document{}, &document.ValidationError{Field: "contractReferenceId", Message: "required"}
	}
	contract, err := e.store.FindByReferenceID(ctx, document.TypeContract, ref)
	if errors.Is(err, document.ErrNotFound) {
		return document.Document{}, fmt.Errorf("contract %s: %w", ref, document.ErrParentNotFound)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("lookup contract %s: %w", ref, err)
	}
	return contract, nil
}

// createReceived fills the base record and creates it. Losing a create race
// on (type, referenceId) is reported as the existing document.
func (e *Engine) createReceived(ctx context.Context, f Fetched, doc document.Document) (document.Document, bool, error) {
	now := e.opts.Now()
	from, to := doc.Parties()
	fromSpec, toSpec := doc.SideSpecs()

	doc.ID = e.opts.NewID()
	doc.State = document.StateReceived
	doc.ReferenceID = f.Ref
	doc.BlockchainRef = f.Meta.BlockchainRef()
	doc.StorageKeys = ledger.StorageKeys(e.ledger, from, to, f.Ref)
	doc.Signatures = AllocateSlots(fromSpec, toSpec, e.opts.NewID)
	doc.History = []document.HistoryEntry{{At: now, Action: "received"}}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	err := e.store.Create(ctx, doc)
	if errors.Is(err, document.ErrConflict) {
		existing, found, lookupErr := e.existing(ctx, f)
		if lookupErr != nil {
			return document.Document{}, false, lookupErr
		}
		if found {
			return existing, false, nil
		}
		return document.Document{}, false, fmt.Errorf("create %s %s: %w", doc.Type, f.Ref, err)
	}
	if err != nil {
		return document.Document{}, false, fmt.Errorf("create %s %s: %w", doc.Type, f.Ref, err)
	}

	stored, err := e.store.Get(ctx, doc.Type, doc.ID)
	if err != nil {
		return document.Document{}, false, err
	}
	return stored, true, nil
}

// pairWithSentUsage links the newest SENT usage of the same contract and the
// newly received one to each other. Links are write-once, so an already
// paired usage keeps its partner.
func (e *Engine) pairWithSentUsage(ctx context.Context, received document.Document) {
	log := e.log.With(zap.String("usage_id", received.ID))

	sent, err := e.store.LatestByContract(ctx, document.TypeUsage, received.Usage.ContractID, document.StateSent)
	if errors.Is(err, document.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn("partner usage lookup failed", zap.Error(err))
		return
	}

	now := e.opts.Now()
	link := func(id, partner string) {
		_, err := e.store.ConditionalUpdate(ctx,
			document.Match{ID: id, Type: document.TypeUsage},
			document.Patch{
				PartnerUsageID: document.Ptr(partner),
				History:        []document.HistoryEntry{{At: now, Action: "paired:" + partner}},
			})
		var woe *document.WriteOnceError
		switch {
		case err == nil:
		case errors.As(err, &woe):
			log.Debug("usage already paired", zap.String("paired_usage_id", id), zap.String("current", woe.Current))
		default:
			log.Warn("usage pairing failed", zap.String("paired_usage_id", id), zap.Error(err))
		}
	}
	link(sent.ID, received.ID)
	link(received.ID, sent.ID)
}
