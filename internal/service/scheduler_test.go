package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/model"
)

func newTestScheduler(t *testing.T, caller *callerStub) (*DeadlineScheduler, *DealService, *CrossChainService, *memStore) {
	t.Helper()
	deals, engine, store, _ := newTestServices(t, nil)
	sched := NewDeadlineScheduler(store, txStoreAdapter{store}, engine, caller, nil, time.Hour, 2*time.Hour)
	return sched, deals, engine, store
}

func expiredFinalApprovalDeal(t *testing.T, deals *DealService, store *memStore, withContract bool) *model.Deal {
	t.Helper()
	ctx := context.Background()
	deal, err := deals.Create(ctx, buyer, createParams())
	require.NoError(t, err)

	// Drive the deal into final approval, then backdate the deadline.
	for _, status := range []model.DealStatus{
		model.StatusAwaitingConditionFulfillment, model.StatusInEscrow, model.StatusInFinalApproval,
	} {
		_, err = deals.SyncStatus(ctx, buyer, SyncStatusParams{DealID: deal.ID, NewStatus: string(status)})
		require.NoError(t, err)
	}
	store.mu.Lock()
	d := store.deals[deal.ID]
	d.FinalApprovalDeadline = timePtr(time.Now().Add(-time.Minute))
	if withContract {
		d.SmartContractAddress = strPtr("0x000000000000000000000000000000000000dEaD")
	}
	store.mu.Unlock()
	return deal
}

func TestScheduler_ReleasesExpiredFinalApproval(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, _, store := newTestScheduler(t, caller)
	deal := expiredFinalApprovalDeal(t, deals, store, true)

	sched.RunOnce(context.Background())

	require.Equal(t, []string{"releaseFundsAfterApprovalPeriod"}, caller.calls)
	updated, err := store.GetByID(context.Background(), deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, updated.Status)
	require.True(t, updated.FundsReleasedToSeller)
	require.True(t, timelineContains(updated, "Funds automatically released. Tx: 0xtxhash"))
}

func TestScheduler_ChainFailureMarksAutoReleaseFailed(t *testing.T) {
	caller := &callerStub{ready: true, sendFn: func(ctx context.Context, addr, method string, args ...interface{}) (string, error) {
		return "", apperr.ChainUnavailable("rpc unreachable", nil)
	}}
	sched, deals, _, store := newTestScheduler(t, caller)
	deal := expiredFinalApprovalDeal(t, deals, store, true)

	sched.RunOnce(context.Background())

	updated, err := store.GetByID(context.Background(), deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusAutoReleaseFailed, updated.Status)
	require.NotEmpty(t, updated.ProcessingError)
	require.False(t, updated.FundsReleasedToSeller)
	require.True(t, timelineContains(updated, "Automatic fund release failed"))
}

func TestScheduler_SkipsDealsWithoutContract(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, _, store := newTestScheduler(t, caller)
	deal := expiredFinalApprovalDeal(t, deals, store, false)

	sched.RunOnce(context.Background())

	require.Zero(t, caller.callCount())
	updated, err := store.GetByID(context.Background(), deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusInFinalApproval, updated.Status)
}

func TestScheduler_CancelsExpiredDisputes(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, _, store := newTestScheduler(t, caller)
	ctx := context.Background()

	deal, err := deals.Create(ctx, buyer, createParams())
	require.NoError(t, err)
	for _, status := range []model.DealStatus{
		model.StatusAwaitingConditionFulfillment, model.StatusInEscrow,
	} {
		_, err = deals.SyncStatus(ctx, buyer, SyncStatusParams{DealID: deal.ID, NewStatus: string(status)})
		require.NoError(t, err)
	}
	_, err = deals.RaiseDispute(ctx, buyer, deal.ID, time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	store.mu.Lock()
	store.deals[deal.ID].DisputeResolutionDeadline = timePtr(time.Now().Add(-time.Minute))
	store.deals[deal.ID].SmartContractAddress = strPtr("0x000000000000000000000000000000000000dEaD")
	store.mu.Unlock()

	sched.RunOnce(ctx)

	require.Equal(t, []string{"cancelEscrowAndRefundBuyer"}, caller.calls)
	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, updated.Status)
	require.True(t, timelineContains(updated, "Escrow automatically cancelled"))
}

func TestScheduler_CrossChainReleaseRequiresFulfilledConditions(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, engine, store := newTestScheduler(t, caller)
	ctx := context.Background()

	p := createParams()
	p.SellerWalletAddress = solanaWallet
	deal, err := deals.Create(ctx, buyer, p)
	require.NoError(t, err)
	for _, status := range []model.DealStatus{
		model.StatusAwaitingConditionFulfillment, model.StatusInEscrow, model.StatusInFinalApproval,
	} {
		_, err = deals.SyncStatus(ctx, buyer, SyncStatusParams{DealID: deal.ID, NewStatus: string(status)})
		require.NoError(t, err)
	}
	store.mu.Lock()
	store.deals[deal.ID].FinalApprovalDeadline = timePtr(time.Now().Add(-time.Minute))
	store.mu.Unlock()

	// Cross-chain conditions still pending: nothing moves.
	sched.RunOnce(ctx)
	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusInFinalApproval, updated.Status)

	// Complete the bridge; every cross-chain condition fulfills.
	_, err = engine.ExecuteStep(ctx, deal.ID, 1, "0xlock")
	require.NoError(t, err)
	_, err = engine.ExecuteStep(ctx, deal.ID, 2, "")
	require.NoError(t, err)

	sched.RunOnce(ctx)
	updated, err = store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCrossChainFundsReleased, updated.Status)
	require.True(t, updated.FundsReleasedToSeller)
}

func TestScheduler_PollsStaleBridgeTransfers(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, engine, store := newTestScheduler(t, caller)
	ctx := context.Background()

	p := createParams()
	p.SellerWalletAddress = solanaWallet
	deal, err := deals.Create(ctx, buyer, p)
	require.NoError(t, err)
	_, err = engine.ExecuteStep(ctx, deal.ID, 1, "0xlock")
	require.NoError(t, err)

	// Backdate the poll stamp so the scheduler re-checks.
	tx, err := store.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	store.mu.Lock()
	store.txs[tx.ID].LastStatusCheck = timePtr(time.Now().Add(-2 * time.Hour))
	store.mu.Unlock()

	sched.RunOnce(ctx)

	polled, err := store.GetByDealID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.TxCompleted, polled.Status)
}

func TestScheduler_FlagsStuckCrossChainDeals(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, deals, _, store := newTestScheduler(t, caller)
	ctx := context.Background()

	p := createParams()
	p.SellerWalletAddress = solanaWallet
	deal, err := deals.Create(ctx, buyer, p)
	require.NoError(t, err)
	store.mu.Lock()
	store.deals[deal.ID].UpdatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()

	sched.RunOnce(ctx)

	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCrossChainStuck, updated.Status)
	require.True(t, timelineContains(updated, "requires manual intervention"))

	// A second tick leaves it alone.
	store.mu.Lock()
	store.deals[deal.ID].UpdatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()
	sched.RunOnce(ctx)
	again, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCrossChainStuck, again.Status)
}

func TestScheduler_GuardPreventsOverlappingRuns(t *testing.T) {
	caller := &callerStub{ready: true}
	sched, _, _, _ := newTestScheduler(t, caller)

	// Hold the guard as a concurrent run would.
	require.True(t, sched.running.CompareAndSwap(false, true))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.RunOnce(context.Background())
	}()
	wg.Wait()

	// The overlapping tick did no work and did not release the guard.
	require.Zero(t, caller.callCount())
	require.True(t, sched.running.Load())
	sched.running.Store(false)

	// With the guard free the scheduler runs (and re-releases it).
	sched.RunOnce(context.Background())
	require.False(t, sched.running.Load())
}
