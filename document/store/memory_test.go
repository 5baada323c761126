package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/contract-ledger/document"
	"github.com/warp/contract-ledger/document/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func contractDoc(id string, state document.State, ref document.ReferenceID) document.Document {
	return document.Document{
		ID:          id,
		Type:        document.TypeContract,
		State:       state,
		ReferenceID: ref,
		Contract:    &document.ContractBody{FromMsp: "msp-a", ToMsp: "msp-b"},
	}
}

func usageDoc(id, contractID string, state document.State, ref document.ReferenceID, at time.Time) document.Document {
	return document.Document{
		ID:            id,
		Type:          document.TypeUsage,
		State:         state,
		ReferenceID:   ref,
		BlockchainRef: &document.BlockchainRef{Kind: "memory", TxID: string(ref), Timestamp: at},
		CreatedAt:     at,
		Usage:         &document.UsageBody{MspOwner: "msp-a", MspReceiver: "msp-b", ContractID: contractID},
	}
}

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestMemory_Create_AssignsVersion(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateDraft, "")))

	got, err := s.Get(ctx, document.TypeContract, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemory_Create_DuplicateID_Conflict(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateDraft, "")))
	err := s.Create(ctx, contractDoc("c1", document.StateDraft, ""))

	assert.ErrorIs(t, err, document.ErrConflict)
}

func TestMemory_Create_DuplicateReference_Conflict(t *testing.T) {
	// GIVEN: A received contract with reference ref-1
	// WHEN: Another contract with the same reference is created
	// THEN: The second create fails with ErrConflict

	s := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateReceived, "ref-1")))
	err := s.Create(ctx, contractDoc("c2", document.StateReceived, "ref-1"))

	assert.ErrorIs(t, err, document.ErrConflict)

	// Same reference under another type is fine
	require.NoError(t, s.Create(ctx, usageDoc("u1", "c1", document.StateReceived, "ref-1", t0)))
}

func TestMemory_Create_Invalid(t *testing.T) {
	s := store.NewMemory()
	err := s.Create(context.Background(), contractDoc("c1", document.StateReceived, ""))
	assert.ErrorIs(t, err, document.ErrValidation)
}

// =============================================================================
// CONDITIONAL UPDATE TESTS
// =============================================================================

func TestMemory_ConditionalUpdate(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateDraft, "")))

	t.Run("missing document", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx, document.Match{ID: "nope", Type: document.TypeContract}, document.Patch{})
		assert.ErrorIs(t, err, document.ErrNotFound)
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := s.ConditionalUpdate(ctx,
			document.Match{ID: "c1", Type: document.TypeContract, Version: 7},
			document.Patch{IsUsageApproved: document.Ptr(true)})

		var me *document.MatchError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, int64(1), me.ActualVersion)
	})

	t.Run("matching version", func(t *testing.T) {
		updated, err := s.ConditionalUpdate(ctx,
			document.Match{ID: "c1", Type: document.TypeContract, Version: 1},
			document.Patch{IsUsageApproved: document.Ptr(true)})

		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.True(t, updated.Contract.IsUsageApproved)
	})
}

func TestMemory_ConditionalUpdate_ConcurrentSend_OneWinner(t *testing.T) {
	// GIVEN: A draft contract
	// WHEN: Two callers race to move it DRAFT -> SENT
	// THEN: Exactly one succeeds; the other gets a conflict

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateDraft, "")))

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ConditionalUpdate(ctx,
				document.Match{ID: "c1", Type: document.TypeContract, State: document.StateDraft},
				document.Patch{
					State:       document.Ptr(document.StateSent),
					ReferenceID: document.Ptr(document.ReferenceID(fmt.Sprintf("ref-%d", i))),
				})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, document.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, document.TypeContract, "c1")
	require.NoError(t, err)
	assert.Equal(t, document.StateSent, got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_ConditionalUpdate_ReferenceTaken(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, contractDoc("c1", document.StateReceived, "ref-1")))
	require.NoError(t, s.Create(ctx, contractDoc("c2", document.StateDraft, "")))

	_, err := s.ConditionalUpdate(ctx,
		document.Match{ID: "c2", Type: document.TypeContract, State: document.StateDraft},
		document.Patch{State: document.Ptr(document.StateSent), ReferenceID: document.Ptr(document.ReferenceID("ref-1"))})

	assert.ErrorIs(t, err, document.ErrConflict)

	got, err := s.Get(ctx, document.TypeContract, "c2")
	require.NoError(t, err)
	assert.Equal(t, document.StateDraft, got.State)
}

func TestMemory_ReturnedDocumentsAreCopies(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	doc := contractDoc("c1", document.StateDraft, "")
	doc.Signatures = []document.Slot{{ID: "s1", Side: document.SideFrom}}
	require.NoError(t, s.Create(ctx, doc))

	got, err := s.Get(ctx, document.TypeContract, "c1")
	require.NoError(t, err)
	got.Signatures[0].Handle = "tampered"

	again, err := s.Get(ctx, document.TypeContract, "c1")
	require.NoError(t, err)
	assert.Empty(t, again.Signatures[0].Handle)
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestMemory_FindByStorageKey(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	sent := contractDoc("c1", document.StateSent, "ref-1")
	sent.StorageKeys = []string{"k-a", "k-b"}
	draft := contractDoc("c2", document.StateDraft, "")
	draft.StorageKeys = []string{"k-a"}
	require.NoError(t, s.Create(ctx, sent))
	require.NoError(t, s.Create(ctx, draft))

	got, err := s.FindByStorageKey(ctx, "k-a",
		[]document.Type{document.TypeContract, document.TypeUsage},
		[]document.State{document.StateSent, document.StateReceived})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)

	none, err := s.FindByStorageKey(ctx, "k-z", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_LatestByContract(t *testing.T) {
	// GIVEN: Two sent usages and one received usage under c1
	// WHEN: Asking for the latest SENT usage
	// THEN: The one with the newest ledger timestamp is returned

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, usageDoc("u-old", "c1", document.StateSent, "r1", t0)))
	require.NoError(t, s.Create(ctx, usageDoc("u-new", "c1", document.StateSent, "r2", t0.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, usageDoc("u-in", "c1", document.StateReceived, "r3", t0.Add(2*time.Hour))))

	latest, err := s.LatestByContract(ctx, document.TypeUsage, "c1", document.StateSent)
	require.NoError(t, err)
	assert.Equal(t, "u-new", latest.ID)

	_, err = s.LatestByContract(ctx, document.TypeUsage, "c9", document.StateSent)
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestMemory_ListByContract_OldestFirst(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, usageDoc("u2", "c1", document.StateReceived, "r2", t0.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, usageDoc("u1", "c1", document.StateReceived, "r1", t0)))
	require.NoError(t, s.Create(ctx, usageDoc("u3", "c2", document.StateReceived, "r3", t0)))

	docs, err := s.ListByContract(ctx, document.TypeUsage, "c1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0].ID)
	assert.Equal(t, "u2", docs[1].ID)

	exists, err := s.ExistsByReferenceID(ctx, document.TypeUsage, "r3")
	require.NoError(t, err)
	assert.True(t, exists)
}
