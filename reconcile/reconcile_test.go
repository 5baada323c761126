package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/document/store"
	"github.com/warp/contract-ledger/ledger"
	"github.com/warp/contract-ledger/reconcile"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	us   document.PartyID = "msp-local"
	them document.PartyID = "msp-partner"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Memory
	ledger *ledger.Memory
	view   *ledger.View
	engine *reconcile.Engine
}

func newFixture(t *testing.T, opts reconcile.Options) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		ledger: ledger.NewMemory("test-secret"),
	}
	f.view = f.ledger.View(us)
	if opts.Now == nil {
		opts.Now = func() time.Time { return t0 }
	}
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	f.engine = reconcile.New(f.store, f.view, opts)
	return f
}

// publish puts doc on the ledger as if its from-party had sent it.
func (f *fixture) publish(t *testing.T, ref document.ReferenceID, doc document.Document, at time.Time) {
	t.Helper()
	raw, err := ledger.EncodeEnvelope(doc)
	require.NoError(t, err)
	from, to := doc.Parties()
	f.ledger.Put(ref, raw, ledger.Meta{Kind: "memory", TxID: "tx-" + string(ref), Timestamp: at, From: from, To: to})
}

func (f *fixture) pending(t *testing.T) []document.ReferenceID {
	t.Helper()
	refs, err := f.view.ListPending(context.Background())
	require.NoError(t, err)
	return refs
}

func (f *fixture) get(t *testing.T, typ document.Type, ref document.ReferenceID) document.Document {
	t.Helper()
	doc, err := f.store.FindByReferenceID(context.Background(), typ, ref)
	require.NoError(t, err)
	return doc
}

func partnerContract() document.Document {
	return document.Document{
		Type: document.TypeContract,
		Contract: &document.ContractBody{
			FromMsp:  them,
			ToMsp:    us,
			Name:     "roaming 2025",
			FromSide: document.SideSpec{MinSignatures: 2},
			ToSide:   document.SideSpec{MinSignatures: 1},
		},
	}
}

func partnerUsage(contractRef document.ReferenceID) document.Document {
	return document.Document{
		Type: document.TypeUsage,
		Usage: &document.UsageBody{
			MspOwner:            them,
			MspReceiver:         us,
			ContractReferenceID: contractRef,
			Records:             []document.UsageRecord{{Service: "data", Volume: decimal.NewFromInt(42), Unit: "MB"}},
			OwnerSide:           document.SideSpec{MinSignatures: 1, Signatures: []document.SignatureHandle{"partner-sig"}},
			ReceiverSide:        document.SideSpec{MinSignatures: 1},
		},
	}
}

// =============================================================================
// DOCUMENT ARRIVAL TESTS
// =============================================================================

func TestHandleDocuments_StoresContractAndCleansUp(t *testing.T) {
	// GIVEN: The partner published a contract to us
	// WHEN: A document arrival is handled
	// THEN: It is stored RECEIVED with keys and slots, and the ledger copy is deleted

	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)

	report, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Listed)
	require.Len(t, report.Stored, 1)
	assert.True(t, report.Stored[0].Created)
	assert.Empty(t, report.Failures)
	assert.Empty(t, report.CleanupFailures)

	doc := f.get(t, document.TypeContract, "c-ref")
	assert.Equal(t, document.StateReceived, doc.State)
	assert.Equal(t, "roaming 2025", doc.Contract.Name)
	require.NotNil(t, doc.BlockchainRef)
	assert.Equal(t, "tx-c-ref", doc.BlockchainRef.TxID)
	assert.True(t, doc.BlockchainRef.Timestamp.Equal(t0))
	assert.Equal(t, ledger.StorageKeys(f.view, them, us, "c-ref"), doc.StorageKeys)
	assert.Len(t, document.SlotsOn(doc.Signatures, document.SideFrom), 2)
	assert.Len(t, document.SlotsOn(doc.Signatures, document.SideTo), 1)
	require.NotEmpty(t, doc.History)
	assert.Equal(t, "received", doc.History[0].Action)

	assert.Empty(t, f.pending(t))
}

func TestHandleDocuments_Idempotent(t *testing.T) {
	// GIVEN: The ledger copy is retained after ingestion
	// WHEN: The same document is notified twice
	// THEN: Only one local document exists and the second pass reports it as existing

	f := newFixture(t, reconcile.Options{RetainRemoteCopy: true})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)

	first, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)
	second, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	require.Len(t, first.Stored, 1)
	require.Len(t, second.Stored, 1)
	assert.True(t, first.Stored[0].Created)
	assert.False(t, second.Stored[0].Created)
	assert.Equal(t, first.Stored[0].ID, second.Stored[0].ID)

	all, err := f.store.List(ctx, document.TypeContract)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, []document.ReferenceID{"c-ref"}, f.pending(t))
}

func TestHandleDocuments_ConcurrentNotifications_OneCreate(t *testing.T) {
	// GIVEN: Several engines sharing one store and ledger
	// WHEN: They handle the same notification at the same time
	// THEN: Exactly one creates the document

	ctx := context.Background()
	s := store.NewMemory()
	l := ledger.NewMemory("test-secret")
	raw, err := ledger.EncodeEnvelope(partnerContract())
	require.NoError(t, err)
	l.Put("c-ref", raw, ledger.Meta{Kind: "memory", TxID: "tx", Timestamp: t0, From: them, To: us})

	const workers = 4
	reports := make([]*reconcile.Report, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := reconcile.New(s, l.View(us), reconcile.Options{RetainRemoteCopy: true})
			reports[i], _ = e.HandleDocuments(ctx, reconcile.DocumentArrival{})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range reports {
		require.NotNil(t, r)
		require.Empty(t, r.Failures)
		for _, st := range r.Stored {
			if st.Created {
				created++
			}
		}
	}
	assert.Equal(t, 1, created)

	all, err := s.List(ctx, document.TypeContract)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHandleDocuments_OrdersByLedgerTimestamp(t *testing.T) {
	// GIVEN: The ledger lists a usage before its contract, but the contract
	//        has the earlier ledger timestamp
	// WHEN: The batch is handled
	// THEN: The contract is ingested first and the usage links to it

	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	f.publish(t, "u-ref", partnerUsage("c-ref"), t0.Add(time.Hour))
	f.publish(t, "c-ref", partnerContract(), t0)
	require.Equal(t, []document.ReferenceID{"u-ref", "c-ref"}, f.pending(t))

	report, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	assert.Empty(t, report.Failures)
	require.Len(t, report.Stored, 2)
	assert.Equal(t, document.TypeContract, report.Stored[0].Type)
	assert.Equal(t, document.TypeUsage, report.Stored[1].Type)

	contract := f.get(t, document.TypeContract, "c-ref")
	usage := f.get(t, document.TypeUsage, "u-ref")
	assert.Equal(t, contract.ID, usage.Usage.ContractID)
	assert.Equal(t, contract.ID, report.Stored[1].ContractID)
}

func TestHandleDocuments_MissingParent_FailsOnlyThatItem(t *testing.T) {
	// GIVEN: A usage whose contract is not stored, next to an unrelated contract
	// WHEN: The batch is handled
	// THEN: The usage fails and stays on the ledger; the contract is stored
	//       A later poll, once the parent exists, picks the usage up

	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	f.publish(t, "u-ref", partnerUsage("c-late"), t0)
	f.publish(t, "c-other", partnerContract(), t0.Add(time.Minute))

	report, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, document.ReferenceID("u-ref"), report.Failures[0].ReferenceID)
	assert.Equal(t, reconcile.StageIngest, report.Failures[0].Stage)
	assert.ErrorIs(t, report.Failures[0].Err, document.ErrParentNotFound)
	assert.True(t, report.Failures[0].Retryable)
	require.Len(t, report.Stored, 1)
	assert.Equal(t, []document.ReferenceID{"u-ref"}, f.pending(t))

	exists, err := f.store.ExistsByReferenceID(ctx, document.TypeUsage, "u-ref")
	require.NoError(t, err)
	assert.False(t, exists)

	// Parent arrives
	f.publish(t, "c-late", partnerContract(), t0.Add(-time.Minute))
	report, err = f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	assert.Empty(t, report.Failures)
	assert.Len(t, report.Stored, 2)
	assert.Empty(t, f.pending(t))
}

func TestHandleDocuments_DecodeFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	meta := ledger.Meta{Kind: "memory", Timestamp: t0, From: them, To: us}
	f.ledger.Put("bad-json", []byte(`{oops`), meta)
	f.ledger.Put("bad-type", []byte(`{"type":"invoice","header":{}}`), meta)
	f.publish(t, "c-ref", partnerContract(), t0)

	report, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Listed)
	require.Len(t, report.Stored, 1)
	assert.Equal(t, document.ReferenceID("c-ref"), report.Stored[0].ReferenceID)

	require.Len(t, report.Failures, 2)
	byRef := map[document.ReferenceID]reconcile.Failure{}
	for _, fl := range report.Failures {
		byRef[fl.ReferenceID] = fl
	}
	assert.Equal(t, reconcile.StageDecode, byRef["bad-json"].Stage)
	assert.ErrorIs(t, byRef["bad-json"].Err, document.ErrUpstreamParse)
	assert.False(t, byRef["bad-json"].Retryable)
	assert.Equal(t, reconcile.StageDecode, byRef["bad-type"].Stage)
	assert.ErrorIs(t, byRef["bad-type"].Err, document.ErrDocumentTypeUnknown)

	assert.ElementsMatch(t, []document.ReferenceID{"bad-json", "bad-type"}, f.pending(t))
}

func TestHandleDocuments_FetchFailure(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.publish(t, "c-ref", partnerContract(), t0)
	f.ledger.FailFetch("c-ref", errors.New("connection reset"))

	report, err := f.engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, reconcile.StageFetch, report.Failures[0].Stage)
	assert.ErrorIs(t, report.Failures[0].Err, document.ErrUpstreamUnavailable)
	assert.Empty(t, report.Stored)
}

type failingDelete struct {
	*ledger.View
}

func (failingDelete) Delete(context.Context, document.ReferenceID) error {
	return document.ErrUpstreamUnavailable
}

func TestHandleDocuments_CleanupFailureKeepsLocalCopy(t *testing.T) {
	// GIVEN: A ledger whose delete fails
	// WHEN: A contract is ingested
	// THEN: The contract is stored and the cleanup failure is reported separately

	s := store.NewMemory()
	l := ledger.NewMemory("test-secret")
	engine := reconcile.New(s, failingDelete{l.View(us)}, reconcile.Options{})
	raw, err := ledger.EncodeEnvelope(partnerContract())
	require.NoError(t, err)
	l.Put("c-ref", raw, ledger.Meta{Timestamp: t0, From: them, To: us})

	report, err := engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{})
	require.NoError(t, err)

	assert.Len(t, report.Stored, 1)
	assert.Empty(t, report.Failures)
	require.Len(t, report.CleanupFailures, 1)
	assert.Equal(t, reconcile.StageCleanup, report.CleanupFailures[0].Stage)

	exists, err := s.ExistsByReferenceID(context.Background(), document.TypeContract, "c-ref")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHandleDocuments_RoutingKeyFilter(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.publish(t, "c-1", partnerContract(), t0)
	f.publish(t, "c-2", partnerContract(), t0)

	report, err := f.engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{
		RoutingKey: f.view.RoutingKey(us, "c-2"),
		PartyID:    us,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Listed)
	require.Len(t, report.Stored, 1)
	assert.Equal(t, document.ReferenceID("c-2"), report.Stored[0].ReferenceID)
	assert.Equal(t, []document.ReferenceID{"c-1"}, f.pending(t))

	none, err := f.engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{
		RoutingKey: "unknown",
		PartyID:    us,
	})
	require.NoError(t, err)
	assert.Zero(t, none.Listed)
	assert.Empty(t, none.Stored)
}

func TestHandleDocuments_SettlementLinksUsage(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	f.publish(t, "c-ref", partnerContract(), t0)
	f.publish(t, "u-ref", partnerUsage("c-ref"), t0.Add(time.Minute))
	f.publish(t, "s-ref", document.Document{
		Type: document.TypeSettlement,
		Settlement: &document.SettlementBody{
			MspOwner:            them,
			MspReceiver:         us,
			ContractReferenceID: "c-ref",
			UsageReferenceID:    "u-ref",
			Total:               decimal.RequireFromString("12.50"),
			Currency:            "EUR",
		},
	}, t0.Add(2*time.Minute))

	report, err := f.engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{})
	require.NoError(t, err)
	require.Empty(t, report.Failures)

	contract := f.get(t, document.TypeContract, "c-ref")
	usage := f.get(t, document.TypeUsage, "u-ref")
	settlement := f.get(t, document.TypeSettlement, "s-ref")
	assert.Equal(t, contract.ID, settlement.Settlement.ContractID)
	assert.Equal(t, usage.ID, settlement.Settlement.UsageID)
	assert.True(t, settlement.Settlement.Total.Equal(decimal.RequireFromString("12.5")))
}

// =============================================================================
// SIGNATURE ARRIVAL TESTS
// =============================================================================

func TestHandleSignatures_PlacesAndRecordsOverflow(t *testing.T) {
	// GIVEN: A received contract with two from-side slots
	// WHEN: The partner places three signatures
	// THEN: Two are assigned, the third overflows and is recorded once

	f := newFixture(t, reconcile.Options{Overflow: reconcile.OverflowRecord})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)
	_, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	f.ledger.Sign("c-ref", them, "h1")
	f.ledger.Sign("c-ref", them, "h2")
	f.ledger.Sign("c-ref", them, "h3")
	n := reconcile.SignatureArrival{RoutingKey: f.view.RoutingKey(them, "c-ref"), PartyID: them}

	out, err := f.engine.HandleSignatures(ctx, n)
	require.NoError(t, err)

	assert.False(t, out.Ambiguous())
	assert.Equal(t, document.SideFrom, out.Side)
	assert.Equal(t, []document.SignatureHandle{"h1", "h2"}, out.Placement.Assigned)
	assert.Equal(t, []document.SignatureHandle{"h3"}, out.Placement.Overflow)
	assert.True(t, out.Updated)

	doc := f.get(t, document.TypeContract, "c-ref")
	from := document.SlotsOn(doc.Signatures, document.SideFrom)
	assert.Equal(t, document.SignatureHandle("h1"), from[0].Handle)
	assert.Equal(t, document.SignatureHandle("h2"), from[1].Handle)
	assert.Equal(t, 1, countActions(doc, "signature_overflow:from:h3"))

	// Replay changes nothing
	again, err := f.engine.HandleSignatures(ctx, n)
	require.NoError(t, err)
	assert.False(t, again.Updated)
	assert.Len(t, again.Placement.Replayed, 2)

	after := f.get(t, document.TypeContract, "c-ref")
	assert.Equal(t, doc.Version, after.Version)
	assert.Equal(t, 1, countActions(after, "signature_overflow:from:h3"))
}

func TestHandleSignatures_ForeignPartyIsIgnored(t *testing.T) {
	// GIVEN: A received contract with signatures placed on the ledger
	// WHEN: A third party, or a party quoting the other side's routing key,
	//       notifies about it
	// THEN: The document is selected but no slot is touched

	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)
	_, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)
	before := f.get(t, document.TypeContract, "c-ref")

	const stranger document.PartyID = "msp-stranger"
	f.ledger.Sign("c-ref", stranger, "stranger-sig")
	f.ledger.Sign("c-ref", them, "h1")

	for _, n := range []reconcile.SignatureArrival{
		{RoutingKey: f.view.RoutingKey(us, "c-ref"), PartyID: stranger},
		{RoutingKey: f.view.RoutingKey(us, "c-ref"), PartyID: them},
	} {
		out, err := f.engine.HandleSignatures(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Matches)
		assert.True(t, out.PartyMismatch)
		assert.False(t, out.Updated)
		assert.Empty(t, out.Placement.Assigned)
	}

	after := f.get(t, document.TypeContract, "c-ref")
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Signatures, after.Signatures)
}

func TestHandleSignatures_OverflowDropLeavesHistory(t *testing.T) {
	f := newFixture(t, reconcile.Options{Overflow: reconcile.OverflowDrop})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)
	_, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)

	f.ledger.Sign("c-ref", us, "mine-1")
	f.ledger.Sign("c-ref", us, "mine-2")

	out, err := f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{
		RoutingKey: f.view.RoutingKey(us, "c-ref"), PartyID: us,
	})
	require.NoError(t, err)

	assert.Equal(t, document.SideTo, out.Side)
	assert.Equal(t, []document.SignatureHandle{"mine-2"}, out.Placement.Overflow)
	doc := f.get(t, document.TypeContract, "c-ref")
	assert.Zero(t, countActions(doc, "signature_overflow:to:mine-2"))
}

func TestHandleSignatures_AmbiguousTargetChangesNothing(t *testing.T) {
	// GIVEN: Routing keys matching zero and two local documents
	// WHEN: Signature notifications arrive
	// THEN: Nothing is mutated and the notification is logged, not failed

	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, reconcile.Options{Logger: zap.New(core)})
	ctx := context.Background()

	out, err := f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: "nobody", PartyID: them})
	require.NoError(t, err)
	assert.Zero(t, out.Matches)
	assert.True(t, out.Ambiguous())

	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, f.store.Create(ctx, document.Document{
			ID: id, Type: document.TypeContract, State: document.StateReceived,
			ReferenceID: document.ReferenceID("ref-" + id),
			StorageKeys: []string{"shared-key"},
			Signatures:  []document.Slot{{ID: id + "-s", Side: document.SideFrom}},
			Contract:    &document.ContractBody{FromMsp: them, ToMsp: us},
		}))
		f.ledger.Sign(document.ReferenceID("ref-"+id), them, "h1")
	}

	out, err = f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: "shared-key", PartyID: them})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Matches)
	assert.False(t, out.Updated)

	for _, id := range []string{"c1", "c2"} {
		doc, err := f.store.Get(ctx, document.TypeContract, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
		assert.False(t, doc.Signatures[0].Filled())
	}
	assert.Equal(t, 2, logs.FilterMessage("ignoring signature notification").Len())
}

func TestHandleSignatures_IgnoresDrafts(t *testing.T) {
	f := newFixture(t, reconcile.Options{})
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, document.Document{
		ID: "draft", Type: document.TypeContract, State: document.StateDraft,
		StorageKeys: []string{"k"},
		Contract:    &document.ContractBody{FromMsp: us, ToMsp: them},
	}))

	out, err := f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: "k", PartyID: them})
	require.NoError(t, err)
	assert.Zero(t, out.Matches)
}

func TestHandleSignatures_RequiresFields(t *testing.T) {
	f := newFixture(t, reconcile.Options{})

	_, err := f.engine.HandleSignatures(context.Background(), reconcile.SignatureArrival{PartyID: them})
	assert.ErrorIs(t, err, document.ErrValidation)

	_, err = f.engine.HandleSignatures(context.Background(), reconcile.SignatureArrival{RoutingKey: "k"})
	assert.ErrorIs(t, err, document.ErrValidation)
}

// =============================================================================
// APPROVAL TESTS
// =============================================================================

func TestApproval_ContractFlagNeedsBothDirections(t *testing.T) {
	// GIVEN: A received contract, our SENT usage and the partner's RECEIVED usage
	// WHEN: All slots of our usage get signed
	// THEN: Our usage is APPROVED but the contract flag stays false
	// WHEN: The last slot of the partner's usage gets signed
	// THEN: That usage is APPROVED and the contract flag becomes true

	f := newFixture(t, reconcile.Options{Approval: reconcile.ApprovalAllRequired})
	ctx := context.Background()
	f.publish(t, "c-ref", partnerContract(), t0)
	_, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)
	contract := f.get(t, document.TypeContract, "c-ref")

	// Our own usage, already sent
	require.NoError(t, f.store.Create(ctx, document.Document{
		ID:          "u-ours",
		Type:        document.TypeUsage,
		State:       document.StateSent,
		ReferenceID: "u-sent",
		StorageKeys: ledger.StorageKeys(f.view, us, them, "u-sent"),
		Signatures: reconcile.AllocateSlots(
			document.SideSpec{MinSignatures: 1}, document.SideSpec{MinSignatures: 1}, sequentialIDs()),
		Usage: &document.UsageBody{MspOwner: us, MspReceiver: them, ContractID: contract.ID, ContractReferenceID: "c-ref"},
	}))

	// Partner usage arrives and is paired with ours
	f.publish(t, "u-theirs", partnerUsage("c-ref"), t0.Add(time.Hour))
	report, err := f.engine.HandleDocuments(ctx, reconcile.DocumentArrival{})
	require.NoError(t, err)
	require.Empty(t, report.Failures)

	received := f.get(t, document.TypeUsage, "u-theirs")
	ours, err := f.store.Get(ctx, document.TypeUsage, "u-ours")
	require.NoError(t, err)
	assert.Equal(t, "u-ours", received.Usage.PartnerUsageID)
	assert.Equal(t, received.ID, ours.Usage.PartnerUsageID)
	assert.Equal(t, document.TagNone, received.Tag)

	// Both sides sign our usage
	f.ledger.Sign("u-sent", us, "a1")
	f.ledger.Sign("u-sent", them, "b1")
	_, err = f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: f.view.RoutingKey(us, "u-sent"), PartyID: us})
	require.NoError(t, err)
	_, err = f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: f.view.RoutingKey(them, "u-sent"), PartyID: them})
	require.NoError(t, err)

	ours, err = f.store.Get(ctx, document.TypeUsage, "u-ours")
	require.NoError(t, err)
	assert.Equal(t, document.TagApproved, ours.Tag)
	contract = f.get(t, document.TypeContract, "c-ref")
	assert.False(t, contract.Contract.IsUsageApproved)

	// We sign the partner's usage, the last empty slot
	f.ledger.Sign("u-theirs", us, "a2")
	out, err := f.engine.HandleSignatures(ctx, reconcile.SignatureArrival{RoutingKey: f.view.RoutingKey(us, "u-theirs"), PartyID: us})
	require.NoError(t, err)
	assert.Equal(t, document.SideTo, out.Side)

	received = f.get(t, document.TypeUsage, "u-theirs")
	assert.Equal(t, document.TagApproved, received.Tag)
	contract = f.get(t, document.TypeContract, "c-ref")
	assert.True(t, contract.Contract.IsUsageApproved)

	// Resetting clears it, recomputing restores it
	require.NoError(t, f.engine.Approvals().ResetContract(ctx, contract.ID))
	contract = f.get(t, document.TypeContract, "c-ref")
	assert.False(t, contract.Contract.IsUsageApproved)

	approved, err := f.engine.Approvals().RecomputeContract(ctx, contract.ID)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestApproval_AnySufficientOnIngest(t *testing.T) {
	// GIVEN: The any_sufficient policy
	// WHEN: A usage arrives already carrying the owner's signature
	// THEN: It is APPROVED immediately

	f := newFixture(t, reconcile.Options{Approval: reconcile.ApprovalAnySufficient})
	f.publish(t, "c-ref", partnerContract(), t0)
	f.publish(t, "u-ref", partnerUsage("c-ref"), t0.Add(time.Minute))

	_, err := f.engine.HandleDocuments(context.Background(), reconcile.DocumentArrival{})
	require.NoError(t, err)

	usage := f.get(t, document.TypeUsage, "u-ref")
	assert.Equal(t, document.TagApproved, usage.Tag)
}

func TestApproval_RejectedIsNeverRetagged(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, document.Document{
		ID: "u1", Type: document.TypeUsage, State: document.StateReceived, ReferenceID: "r1",
		Tag:        document.TagRejected,
		Signatures: []document.Slot{{ID: "s1", Side: document.SideFrom, Handle: "h"}},
		Usage:      &document.UsageBody{MspOwner: them, MspReceiver: us},
	}))

	agg := reconcile.NewAggregator(s, reconcile.Options{Approval: reconcile.ApprovalAllRequired})
	usage, err := agg.EvaluateUsage(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, document.TagRejected, usage.Tag)
	assert.Equal(t, int64(1), usage.Version)
}

// =============================================================================
// HELPERS
// =============================================================================

func countActions(doc document.Document, action string) int {
	n := 0
	for _, h := range doc.History {
		if h.Action == action {
			n++
		}
	}
	return n
}
