package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/ledger"
)

// =============================================================================
// ROUTING TESTS
// =============================================================================

func TestRouter_Deterministic(t *testing.T) {
	r := ledger.NewRouter("secret")

	k1 := r.RoutingKey("msp-a", "ref-1")
	k2 := r.RoutingKey("msp-a", "ref-1")

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
	assert.NotContains(t, k1, "ref-1")
}

func TestRouter_ScopedByPartyRefAndSecret(t *testing.T) {
	r := ledger.NewRouter("secret")
	base := r.RoutingKey("msp-a", "ref-1")

	assert.NotEqual(t, base, r.RoutingKey("msp-b", "ref-1"))
	assert.NotEqual(t, base, r.RoutingKey("msp-a", "ref-2"))
	assert.NotEqual(t, base, ledger.NewRouter("other").RoutingKey("msp-a", "ref-1"))

	// The separator keeps ("ab","c") and ("a","bc") apart
	assert.NotEqual(t, r.RoutingKey("ab", "c"), r.RoutingKey("a", "bc"))
}

func TestStorageKeys_OnePerParty(t *testing.T) {
	r := ledger.NewRouter("secret")

	keys := ledger.StorageKeys(r, "msp-a", "msp-b", "ref-1")

	require.Len(t, keys, 2)
	assert.Equal(t, r.RoutingKey("msp-a", "ref-1"), keys[0])
	assert.Equal(t, r.RoutingKey("msp-b", "ref-1"), keys[1])
}

// =============================================================================
// ENVELOPE TESTS
// =============================================================================

func TestEnvelope_UsageRoundTrip(t *testing.T) {
	// GIVEN: A usage linked to an exchanged contract
	// WHEN: It is encoded and decoded under a new reference
	// THEN: Parties, sides, link and records survive; local fields do not

	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	doc := document.Document{
		ID:    "local-id",
		Type:  document.TypeUsage,
		State: document.StateDraft,
		Usage: &document.UsageBody{
			MspOwner:            "msp-a",
			MspReceiver:         "msp-b",
			ContractID:          "local-contract",
			ContractReferenceID: "contract-ref",
			PeriodStart:         start,
			PeriodEnd:           start.AddDate(0, 1, 0),
			Records:             []document.UsageRecord{{Service: "data", Volume: decimal.RequireFromString("10.5"), Unit: "MB"}},
			OwnerSide:           document.SideSpec{MinSignatures: 2, Signatures: []document.SignatureHandle{"h1"}},
			ReceiverSide:        document.SideSpec{MinSignatures: 1},
		},
	}

	raw, err := ledger.EncodeEnvelope(doc)
	require.NoError(t, err)

	env, err := ledger.DecodeEnvelope(raw)
	require.NoError(t, err)
	got, err := env.Document("ref-9")
	require.NoError(t, err)

	assert.Equal(t, document.TypeUsage, got.Type)
	assert.Equal(t, document.ReferenceID("ref-9"), got.ReferenceID)
	assert.Empty(t, got.ID)
	require.NotNil(t, got.Usage)
	assert.Equal(t, document.PartyID("msp-a"), got.Usage.MspOwner)
	assert.Equal(t, document.PartyID("msp-b"), got.Usage.MspReceiver)
	assert.Equal(t, document.ReferenceID("contract-ref"), got.Usage.ContractReferenceID)
	assert.Empty(t, got.Usage.ContractID)
	assert.Equal(t, 2, got.Usage.OwnerSide.MinSignatures)
	assert.Equal(t, []document.SignatureHandle{"h1"}, got.Usage.OwnerSide.Signatures)
	require.Len(t, got.Usage.Records, 1)
	assert.True(t, got.Usage.Records[0].Volume.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, got.Usage.PeriodStart.Equal(start))
}

func TestEnvelope_SettlementCarriesUsageLink(t *testing.T) {
	doc := document.Document{
		Type: document.TypeSettlement,
		Settlement: &document.SettlementBody{
			MspOwner:            "msp-a",
			MspReceiver:         "msp-b",
			ContractReferenceID: "contract-ref",
			UsageReferenceID:    "usage-ref",
			Total:               decimal.RequireFromString("99.95"),
			Currency:            "EUR",
		},
	}

	raw, err := ledger.EncodeEnvelope(doc)
	require.NoError(t, err)
	env, err := ledger.DecodeEnvelope(raw)
	require.NoError(t, err)
	got, err := env.Document("ref-s")
	require.NoError(t, err)

	assert.Equal(t, document.ReferenceID("usage-ref"), got.Settlement.UsageReferenceID)
	assert.Equal(t, "EUR", got.Settlement.Currency)
	assert.True(t, got.Settlement.Total.Equal(decimal.RequireFromString("99.95")))
}

func TestEnvelope_UnknownType(t *testing.T) {
	env, err := ledger.DecodeEnvelope([]byte(`{"type":"invoice","header":{}}`))
	require.NoError(t, err)

	_, err = env.Document("ref-1")

	var te *document.TypeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "invoice", te.Declared)
	assert.ErrorIs(t, err, document.ErrDocumentTypeUnknown)
}

func TestEnvelope_MissingType(t *testing.T) {
	env, err := ledger.DecodeEnvelope([]byte(`{"header":{}}`))
	require.NoError(t, err)

	_, err = env.Document("ref-1")
	assert.ErrorIs(t, err, document.ErrDocumentTypeUnknown)
}

func TestEnvelope_Malformed(t *testing.T) {
	_, err := ledger.DecodeEnvelope([]byte(`{not json`))
	assert.ErrorIs(t, err, document.ErrUpstreamParse)

	env, err := ledger.DecodeEnvelope([]byte(`{"type":"settlement","body":{"total":"abc"}}`))
	require.NoError(t, err)
	_, err = env.Document("ref-1")
	assert.ErrorIs(t, err, document.ErrUpstreamParse)
}

// =============================================================================
// MEMORY LEDGER TESTS
// =============================================================================

func TestMemory_ViewsAreScopedPerParty(t *testing.T) {
	// GIVEN: msp-a publishes to msp-b
	// WHEN: Each party lists pending documents
	// THEN: Only the recipient sees it, and its delete does not affect the sender

	ctx := context.Background()
	l := ledger.NewMemory("secret")
	a, b := l.View("msp-a"), l.View("msp-b")

	ref, meta, err := a.Publish(ctx, "msp-a", "msp-b", []byte(`{"type":"contract"}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", meta.Kind)
	assert.NotEmpty(t, meta.TxID)

	pendingA, err := a.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pendingA)

	pendingB, err := b.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []document.ReferenceID{ref}, pendingB)

	require.NoError(t, b.Delete(ctx, ref))
	assert.ErrorIs(t, b.Delete(ctx, ref), document.ErrNotFound)

	pendingB, err = b.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pendingB)

	// The sender still holds its copy
	payload, _, err := a.Fetch(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"contract"}`, string(payload))
}

func TestMemory_PublishRefsAreUnique(t *testing.T) {
	ctx := context.Background()
	a := ledger.NewMemory("secret").View("msp-a")

	r1, _, err := a.Publish(ctx, "msp-a", "msp-b", []byte("same"))
	require.NoError(t, err)
	r2, _, err := a.Publish(ctx, "msp-a", "msp-b", []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, r1, r2)
}

func TestMemory_ListPending_KeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory("secret")
	l.Put("r2", []byte("x"), ledger.Meta{From: "msp-a", To: "msp-b"})
	l.Put("r1", []byte("y"), ledger.Meta{From: "msp-a", To: "msp-b"})

	refs, err := l.View("msp-b").ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []document.ReferenceID{"r2", "r1"}, refs)
}

func TestMemory_FailFetch(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory("secret")
	l.Put("r1", []byte("x"), ledger.Meta{From: "msp-a", To: "msp-b"})
	v := l.View("msp-b")

	l.FailFetch("r1", errors.New("timeout"))
	_, _, err := v.Fetch(ctx, "r1")
	assert.ErrorIs(t, err, document.ErrUpstreamUnavailable)

	l.FailFetch("r1", nil)
	_, _, err = v.Fetch(ctx, "r1")
	assert.NoError(t, err)

	_, _, err = v.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestMemory_Signatures_OrderedAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory("secret")
	clock := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	l.Sign("r1", "msp-a", "h1")
	l.Sign("r1", "msp-a", "h2")
	l.Sign("r1", "msp-a", "h1")
	l.Sign("r1", "msp-b", "hb")

	sigs, err := l.View("msp-b").ListSignatures(ctx, "r1", "msp-a")
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, document.SignatureHandle("h1"), sigs[0].Handle)
	assert.Equal(t, document.SignatureHandle("h2"), sigs[1].Handle)
	assert.Equal(t, document.PartyID("msp-a"), sigs[0].Signer)
}
