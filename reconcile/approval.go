/*
approval.go - Derived approval flags

PURPOSE:
  Recomputes a usage's APPROVED tag from its reconciled signature slots and
  the parent contract's isUsageApproved flag from its usages.

POLICIES:
  all_required    every slot on both sides holds a handle (and there is one)
  any_sufficient  at least one slot holds a handle

CONTRACT FLAG:
  isUsageApproved = exists APPROVED usage in SENT
                and exists APPROVED usage in RECEIVED

  The flag is reset to false when a new usage is drafted under the contract
  (ResetContract). Every operation here is idempotent and only writes when
  the derived value changes.

  A REJECTED usage is never re-tagged.
*/
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/metrics"
)

type Aggregator struct {
	store   document.Store
	policy  ApprovalPolicy
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewAggregator(store document.Store, opts Options) *Aggregator {
	opts.applyDefaults()
	return &Aggregator{
		store:   store,
		policy:  opts.Approval,
		log:     logging.OrNop(opts.Logger).Named("approval"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Approved applies the policy to a slot list.
func (a *Aggregator) Approved(slots []document.Slot) bool {
	filled := 0
	for _, s := range slots {
		if s.Filled() {
			filled++
		}
	}
	switch a.policy {
	case ApprovalAnySufficient:
		return filled > 0
	default:
		return len(slots) > 0 && filled == len(slots)
	}
}

// EvaluateUsage tags the usage APPROVED when the policy is met and, on that
// transition, recomputes the parent contract flag.
func (a *Aggregator) EvaluateUsage(ctx context.Context, usageID string) (document.Document, error) {
	usage, changed, err := updateVersioned(ctx, a.store, document.TypeUsage, usageID,
		func(cur document.Document) (document.Patch, bool, error) {
			if cur.Tag != document.TagNone || !a.Approved(cur.Signatures) {
				return document.Patch{}, false, nil
			}
			return document.Patch{
				Tag:     document.Ptr(document.TagApproved),
				History: []document.HistoryEntry{{At: a.now(), Action: "approved"}},
			}, true, nil
		})
	if err != nil {
		return document.Document{}, fmt.Errorf("evaluate usage %s: %w", usageID, err)
	}
	if !changed {
		return usage, nil
	}

	a.metrics.Approval("usage_approved")
	a.log.Info("usage approved",
		zap.String("usage_id", usage.ID),
		zap.String("contract_id", usage.ContractID()))

	if contractID := usage.ContractID(); contractID != "" {
		if _, err := a.RecomputeContract(ctx, contractID); err != nil {
			return usage, err
		}
	}
	return usage, nil
}

// RecomputeContract derives isUsageApproved from the contract's usages and
// stores it if it changed.
func (a *Aggregator) RecomputeContract(ctx context.Context, contractID string) (bool, error) {
	usages, err := a.store.ListByContract(ctx, document.TypeUsage, contractID)
	if err != nil {
		return false, fmt.Errorf("list usages of %s: %w", contractID, err)
	}

	var sentApproved, receivedApproved bool
	for _, u := range usages {
		if u.Tag != document.TagApproved {
			continue
		}
		switch u.State {
		case document.StateSent:
			sentApproved = true
		case document.StateReceived:
			receivedApproved = true
		}
	}
	approved := sentApproved && receivedApproved

	if err := a.setContractFlag(ctx, contractID, approved); err != nil {
		return false, err
	}
	return approved, nil
}

// ResetContract clears isUsageApproved. Called when a new usage is drafted.
func (a *Aggregator) ResetContract(ctx context.Context, contractID string) error {
	return a.setContractFlag(ctx, contractID, false)
}

func (a *Aggregator) setContractFlag(ctx context.Context, contractID string, value bool) error {
	_, changed, err := updateVersioned(ctx, a.store, document.TypeContract, contractID,
		func(cur document.Document) (document.Patch, bool, error) {
			if cur.Contract.IsUsageApproved == value {
				return document.Patch{}, false, nil
			}
			action := "usage_approval_reset"
			if value {
				action = "usage_approved"
			}
			return document.Patch{
				IsUsageApproved: document.Ptr(value),
				History:         []document.HistoryEntry{{At: a.now(), Action: action}},
			}, true, nil
		})
	if err != nil {
		return fmt.Errorf("set isUsageApproved on %s: %w", contractID, err)
	}
	if changed {
		change := "contract_reset"
		if value {
			change = "contract_approved"
		}
		a.metrics.Approval(change)
		a.log.Info("contract usage approval changed",
			zap.String("contract_id", contractID),
			zap.Bool("is_usage_approved", value))
	}
	return nil
}
