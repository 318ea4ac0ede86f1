package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/model"
)

func createCrossChainDeal(t *testing.T, deals *DealService) *model.Deal {
	t.Helper()
	p := createParams()
	p.SellerWalletAddress = solanaWallet
	deal, err := deals.Create(context.Background(), buyer, p)
	require.NoError(t, err)
	require.True(t, deal.IsCrossChain)
	return deal
}

func TestExecuteStep_InitiateBridgeAutoFulfillsCondition(t *testing.T) {
	deals, engine, store, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	tx, err := engine.ExecuteStep(ctx, deal.ID, 1, "0xabc123")
	require.NoError(t, err)

	step := tx.StepByNumber(1)
	require.Equal(t, model.StepCompleted, step.Status)
	require.Equal(t, "0xabc123", step.TxHash)
	require.NotEmpty(t, step.ExecutionID)

	// The monitor step auto-advances.
	require.Equal(t, model.StepInProgress, tx.StepByNumber(2).Status)
	require.Equal(t, model.TxInProgress, tx.Status)

	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	cond := updated.Condition(model.CondCrossChainFundsLocked)
	require.Equal(t, model.ConditionFulfilledByBuyer, cond.Status)
	require.Equal(t, model.AutoFulfillActor, cond.AutoFulfilledBy)
	require.Equal(t, "0xabc123", cond.CrossChainTxHash)
	require.True(t, timelineContains(updated, "auto-fulfilled by cross-chain system"))
}

func TestExecuteStep_IsIdempotentForSettledSteps(t *testing.T) {
	deals, engine, store, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	first, err := engine.ExecuteStep(ctx, deal.ID, 1, "0xabc123")
	require.NoError(t, err)
	beforeTimeline, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)

	second, err := engine.ExecuteStep(ctx, deal.ID, 1, "0xother")
	require.NoError(t, err)
	require.Equal(t, first.StepByNumber(1).TxHash, second.StepByNumber(1).TxHash)
	require.Equal(t, first.StepByNumber(1).Status, second.StepByNumber(1).Status)

	afterTimeline, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, afterTimeline.Timeline, len(beforeTimeline.Timeline))
}

func TestExecuteStep_MonitorCompletesRemainingSteps(t *testing.T) {
	deals, engine, store, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	_, err := engine.ExecuteStep(ctx, deal.ID, 1, "0xabc123")
	require.NoError(t, err)
	// Mock bridge reports DONE on the first poll.
	tx, err := engine.ExecuteStep(ctx, deal.ID, 2, "")
	require.NoError(t, err)

	require.Equal(t, model.StepCompleted, tx.StepByNumber(2).Status)
	require.Equal(t, model.StepCompleted, tx.StepByNumber(3).Status)
	require.Equal(t, model.TxCompleted, tx.Status)
	require.NotNil(t, tx.LastStatusCheck)

	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	for _, id := range []string{
		model.CondCrossChainFundsLocked,
		model.CondCrossChainBridgeTransfer,
		model.CondCrossChainBridgeSetup,
		model.CondCrossChainNetworkValidation,
	} {
		require.Equal(t, model.ConditionFulfilledByBuyer, updated.Condition(id).Status, id)
	}
	require.True(t, updated.CrossChainConditionsFulfilled())
	require.True(t, timelineContains(updated, "Cross-chain transfer completed"))
}

func TestExecuteStep_UnknownStepAndMissingTx(t *testing.T) {
	deals, engine, _, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	_, err := engine.ExecuteStep(ctx, deal.ID, 9, "")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = engine.ExecuteStep(ctx, "missing-deal", 1, "")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	// A same-chain deal has no linked transaction.
	plain, err := deals.Create(ctx, buyer, createParams())
	require.NoError(t, err)
	_, err = engine.ExecuteStep(ctx, plain.ID, 1, "")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestExecuteStep_BridgeFailureBecomesFailedStep(t *testing.T) {
	deals, engine, store, router := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	router.FailExecutions = true
	ctx := context.Background()

	tx, err := engine.ExecuteStep(ctx, deal.ID, 1, "0xabc123")
	require.NoError(t, err)
	step := tx.StepByNumber(1)
	require.Equal(t, model.StepFailed, step.Status)
	require.NotEmpty(t, step.Error)
	require.Equal(t, model.TxFailed, tx.Status)

	updated, err := store.GetByID(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, model.ConditionPendingBuyerAction, updated.Condition(model.CondCrossChainFundsLocked).Status)
	require.True(t, timelineContains(updated, "failed"))
}

func TestTransfer_GatedOnUserConditions(t *testing.T) {
	deals, engine, _, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	// Inspection still pending.
	_, err := engine.Transfer(ctx, buyer, deal.ID, "0xlock", "")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = deals.ReviewCondition(ctx, buyer, ReviewConditionParams{
		DealID: deal.ID, ConditionID: "inspection", Status: string(model.ConditionFulfilledByBuyer),
	})
	require.NoError(t, err)

	// Seller cannot drive the transfer.
	_, err = engine.Transfer(ctx, seller, deal.ID, "0xlock", "")
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	tx, err := engine.Transfer(ctx, buyer, deal.ID, "0xlock", "")
	require.NoError(t, err)
	require.Equal(t, model.TxCompleted, tx.Status)
	require.Equal(t, "0xlock", tx.StepByNumber(1).TxHash)
}

func TestStatus_CombinesDealAndTransaction(t *testing.T) {
	deals, engine, _, _ := newTestServices(t, nil)
	deal := createCrossChainDeal(t, deals)
	ctx := context.Background()

	status, err := engine.Status(ctx, buyer, deal.ID)
	require.NoError(t, err)
	require.Equal(t, deal.ID, status.DealID)
	require.Equal(t, deal.Status, status.DealStatus)
	require.NotNil(t, status.Tx)

	_, err = engine.Status(ctx, model.Principal{ID: "stranger"}, deal.ID)
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestEstimateFees(t *testing.T) {
	_, engine, _, router := newTestServices(t, nil)
	ctx := context.Background()
	amount := big.NewInt(1e18)

	estimate, err := engine.EstimateFees(ctx, chain.NetworkEthereum, chain.NetworkSolana, amount)
	require.NoError(t, err)
	require.False(t, estimate.FallbackMode)
	require.Equal(t, "high", estimate.Confidence)
	require.Equal(t, "wormhole", estimate.Bridge)

	// Router failure degrades to the conservative fallback.
	router.FailRoutes = true
	estimate, err = engine.EstimateFees(ctx, chain.NetworkEthereum, chain.NetworkSolana, amount)
	require.NoError(t, err)
	require.True(t, estimate.FallbackMode)
	require.Equal(t, "low", estimate.Confidence)
	require.Equal(t, fallbackFeeUSD, estimate.FeeUSD)

	// Bad inputs are rejected outright.
	_, err = engine.EstimateFees(ctx, chain.Network("dogecoin"), chain.NetworkSolana, amount)
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	_, err = engine.EstimateFees(ctx, chain.NetworkEthereum, chain.NetworkSolana, big.NewInt(0))
	require.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}
