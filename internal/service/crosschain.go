package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/bridge"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/model"
	"github.com/clearhold/escrow-backend/internal/repository"
)

// CrossChainService owns one CrossChainTransaction's multi-step execution
// and propagates bridge progress back into the deal's conditions.
type CrossChainService struct {
	deals  DealStore
	txs    CrossChainStore
	router bridge.Router
	log    *logrus.Entry
}

func NewCrossChainService(deals DealStore, txs CrossChainStore, router bridge.Router) *CrossChainService {
	return &CrossChainService{
		deals:  deals,
		txs:    txs,
		router: router,
		log:    logrus.WithField("component", "cross_chain_engine"),
	}
}

// Prepare plans the bridge route for a freshly created cross-chain deal and
// persists the transaction with its steps. NoRoute is not an error here: the
// transaction persists as failed and deal creation proceeds.
func (e *CrossChainService) Prepare(ctx context.Context, deal *model.Deal) *model.CrossChainTransaction {
	now := time.Now().UTC()
	tx := &model.CrossChainTransaction{
		ID:            uuid.New().String(),
		DealID:        deal.ID,
		FromAddress:   deal.BuyerWallet,
		ToAddress:     deal.SellerWallet,
		Amount:        deal.Amount,
		SourceNetwork: deal.BuyerNetwork,
		TargetNetwork: deal.SellerNetwork,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	route, err := e.router.PlanRoute(ctx, bridge.RouteRequest{
		FromAddress:   deal.BuyerWallet,
		ToAddress:     deal.SellerWallet,
		SourceNetwork: chain.Network(deal.BuyerNetwork),
		TargetNetwork: chain.Network(deal.SellerNetwork),
		Amount:        &deal.Amount.Int,
	})
	var timelineEvent string
	if err != nil {
		e.log.WithField("deal", deal.ID).WithError(err).Warn("bridge route planning failed")
		tx.Status = model.TxFailed
		tx.Steps = []model.Step{{
			Step:        1,
			Action:      model.StepActionInitiateBridge,
			Status:      model.StepFailed,
			Description: "Bridge route discovery",
			Error:       err.Error(),
		}}
		timelineEvent = "Bridge route unavailable: " + err.Error()
	} else {
		tx.BridgeInfo = &model.BridgeInfo{
			Bridge:           route.Bridge,
			EstimatedSeconds: route.EstimatedSeconds,
			FeeUSD:           route.FeeUSD,
			Confidence:       route.Confidence,
			RawRoute:         route.Raw,
		}
		tx.Status = model.TxPrepared
		tx.Steps = preparedSteps(deal, route)
		timelineEvent = fmt.Sprintf("Cross-chain route prepared via %s (%d steps)", route.Bridge, len(tx.Steps))
	}

	if err := e.txs.Create(ctx, tx); err != nil {
		e.log.WithField("deal", deal.ID).WithError(err).Error("persisting cross-chain transaction")
		return nil
	}
	if err := e.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
		txn.Deal().CrossChainTransactionID = tx.ID
		txn.MarkDealDirty()
		txn.AppendTimeline(model.TimelineEvent{
			Event:           timelineEvent,
			Timestamp:       time.Now().UTC(),
			SystemTriggered: true,
		})
		return nil
	}); err != nil {
		e.log.WithField("deal", deal.ID).WithError(err).Error("linking cross-chain transaction")
	}
	return tx
}

// preparedSteps builds the canonical step sequence. Bridged routes get the
// three-step initiate/monitor/confirm pipeline; same-network non-EVM deals
// get a single direct transfer step.
func preparedSteps(deal *model.Deal, route *bridge.Route) []model.Step {
	if deal.BuyerNetwork == deal.SellerNetwork {
		return []model.Step{{
			Step:             1,
			Action:           model.StepActionDirectTransfer,
			Status:           model.StepPending,
			Description:      fmt.Sprintf("Direct transfer on %s", deal.BuyerNetwork),
			ConditionMapping: model.CondCrossChainFundsLocked,
		}}
	}
	return []model.Step{
		{
			Step:             1,
			Action:           model.StepActionInitiateBridge,
			Status:           model.StepPending,
			Description:      fmt.Sprintf("Initiate %s bridge transfer", route.Bridge),
			ConditionMapping: model.CondCrossChainFundsLocked,
		},
		{
			Step:             2,
			Action:           model.StepActionMonitorBridge,
			Status:           model.StepPending,
			Description:      "Monitor bridge transfer until delivery",
			ConditionMapping: model.CondCrossChainBridgeTransfer,
		},
		{
			Step:             3,
			Action:           model.StepActionConfirmReceipt,
			Status:           model.StepPending,
			Description:      fmt.Sprintf("Confirm receipt on %s", deal.SellerNetwork),
			ConditionMapping: model.CondCrossChainBridgeSetup,
		},
	}
}

func routeFromInfo(info *model.BridgeInfo) *bridge.Route {
	if info == nil {
		return &bridge.Route{}
	}
	return &bridge.Route{
		Bridge:           info.Bridge,
		EstimatedSeconds: info.EstimatedSeconds,
		FeeUSD:           info.FeeUSD,
		Confidence:       info.Confidence,
		Raw:              info.RawRoute,
	}
}

// ExecuteStep drives one step of the deal's cross-chain transaction. Already
// completed or failed steps make the call an idempotent no-op. Router
// failures are captured as failed steps, never as panics or aborts.
func (e *CrossChainService) ExecuteStep(ctx context.Context, dealID string, stepNumber int, txHash string) (*model.CrossChainTransaction, error) {
	var result *model.CrossChainTransaction
	err := e.deals.Transact(ctx, dealID, func(txn repository.Txn) error {
		ccTx, err := txn.CrossChainTx(ctx)
		if err != nil {
			return err
		}
		step := ccTx.StepByNumber(stepNumber)
		if step == nil {
			return apperr.Newf(apperr.KindNotFound, "step %d not found on transaction %s", stepNumber, ccTx.ID)
		}
		if step.Status == model.StepCompleted || step.Status == model.StepFailed {
			result = ccTx
			return nil
		}

		now := time.Now().UTC()
		var completed []*model.Step

		switch step.Action {
		case model.StepActionInitiateBridge:
			res, execErr := e.router.Execute(ctx, routeFromInfo(ccTx.BridgeInfo), bridge.ExecuteCallbacks{
				OnStatusUpdate: func(u bridge.StatusUpdate) {
					e.log.WithFields(logrus.Fields{
						"deal": dealID, "execution": u.ExecutionID, "status": u.Status,
					}).Info("bridge status update")
				},
				OnError: func(cbErr error) {
					e.log.WithField("deal", dealID).WithError(cbErr).Warn("bridge execution error")
				},
			})
			if execErr != nil {
				failStep(step, execErr.Error(), now)
				txn.AppendTimeline(stepFailedEvent(step, now))
			} else {
				step.ExecutionID = res.ExecutionID
				hash := txHash
				if hash == "" {
					hash = res.InitialTxHash
				}
				completeStep(step, hash, now)
				completed = append(completed, step)
				if mon := ccTx.StepByAction(model.StepActionMonitorBridge); mon != nil && mon.Status == model.StepPending {
					mon.Status = model.StepInProgress
					mon.StartedAt = &now
				}
			}

		case model.StepActionMonitorBridge:
			executionID := step.ExecutionID
			if executionID == "" {
				if initiate := ccTx.StepByAction(model.StepActionInitiateBridge); initiate != nil {
					executionID = initiate.ExecutionID
				}
			}
			if executionID == "" {
				failStep(step, "no bridge execution id recorded", now)
				txn.AppendTimeline(stepFailedEvent(step, now))
				break
			}
			status, stErr := e.router.Status(ctx, executionID)
			if stErr != nil {
				failStep(step, stErr.Error(), now)
				txn.AppendTimeline(stepFailedEvent(step, now))
				break
			}
			switch status.Status {
			case bridge.StatusDone:
				hash := status.SourceTxHash
				if hash == "" {
					hash = txHash
				}
				completeStep(step, hash, now)
				completed = append(completed, step)
				if confirm := ccTx.StepByAction(model.StepActionConfirmReceipt); confirm != nil && confirm.Status != model.StepCompleted {
					completeStep(confirm, status.TargetTxHash, now)
					completed = append(completed, confirm)
				}
			case bridge.StatusFailed:
				failStep(step, status.Substatus, now)
				txn.AppendTimeline(stepFailedEvent(step, now))
			default:
				// Still moving. Record the poll and let the scheduler ask again.
				ccTx.LastStatusCheck = &now
				txn.MarkTxDirty()
				result = ccTx
				return nil
			}

		default:
			completeStep(step, txHash, now)
			completed = append(completed, step)
		}

		ccTx.LastStatusCheck = &now
		ccTx.Status = ccTx.RecomputeStatus()
		txn.MarkTxDirty()

		for _, st := range completed {
			if st.ConditionMapping != "" {
				e.autoFulfill(txn, st.ConditionMapping, st.TxHash, now)
			}
		}
		if ccTx.Status == model.TxCompleted {
			e.autoFulfill(txn, model.CondCrossChainNetworkValidation, txHash, now)
			txn.AppendTimeline(model.TimelineEvent{
				Event:           "Cross-chain transfer completed",
				Timestamp:       now,
				SystemTriggered: true,
			})
		}

		result = ccTx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func completeStep(step *model.Step, txHash string, now time.Time) {
	step.Status = model.StepCompleted
	if txHash != "" {
		step.TxHash = txHash
	}
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.CompletedAt = &now
}

func failStep(step *model.Step, reason string, now time.Time) {
	step.Status = model.StepFailed
	step.Error = reason
	step.CompletedAt = &now
}

func stepFailedEvent(step *model.Step, now time.Time) model.TimelineEvent {
	return model.TimelineEvent{
		Event:           fmt.Sprintf("Cross-chain step %d (%s) failed: %s", step.Step, step.Action, step.Error),
		Timestamp:       now,
		SystemTriggered: true,
	}
}

// autoFulfill flips a pending condition to fulfilled on behalf of the buyer
// when the mapped bridge step completes.
func (e *CrossChainService) autoFulfill(txn repository.Txn, conditionID, txHash string, now time.Time) {
	deal := txn.Deal()
	cond := deal.Condition(conditionID)
	if cond == nil || cond.Status != model.ConditionPendingBuyerAction {
		return
	}
	cond.Status = model.ConditionFulfilledByBuyer
	cond.AutoFulfilledBy = model.AutoFulfillActor
	if txHash != "" {
		cond.CrossChainTxHash = txHash
	}
	cond.UpdatedAt = now
	txn.MarkDealDirty()
	txn.AppendTimeline(model.TimelineEvent{
		Event:           fmt.Sprintf("Condition %q auto-fulfilled by cross-chain system", conditionID),
		Timestamp:       now,
		SystemTriggered: true,
		TxHash:          txHash,
	})
}

// CombinedStatus returns the deal's lifecycle status alongside its bridge
// transaction.
type CombinedStatus struct {
	DealID     string                       `json:"dealId"`
	DealStatus model.DealStatus             `json:"dealStatus"`
	Deal       *model.Deal                  `json:"deal"`
	Tx         *model.CrossChainTransaction `json:"crossChainTransaction"`
}

func (e *CrossChainService) Status(ctx context.Context, principal model.Principal, dealID string) (*CombinedStatus, error) {
	deal, err := e.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !deal.IsParticipant(principal.ID) {
		return nil, apperr.Forbidden("you are not a participant in this deal")
	}
	tx, err := e.txs.GetByDealID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return &CombinedStatus{DealID: deal.ID, DealStatus: deal.Status, Deal: deal, Tx: tx}, nil
}

// Transfer drives bridge steps 1 and 2 with caller-supplied transaction
// hashes. Gated on every non-cross-chain condition being fulfilled, since
// the cross-chain ones are fulfilled by the steps themselves.
func (e *CrossChainService) Transfer(ctx context.Context, principal model.Principal, dealID, fundsLockedTxHash, bridgeTxHash string) (*model.CrossChainTransaction, error) {
	deal, err := e.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if principal.ID != deal.BuyerID {
		return nil, apperr.Forbidden("only the buyer can start the cross-chain transfer")
	}
	for i := range deal.Conditions {
		c := &deal.Conditions[i]
		if c.Type != model.ConditionCrossChain && c.Status != model.ConditionFulfilledByBuyer {
			return nil, apperr.Newf(apperr.KindConflict,
				"condition %q must be fulfilled before the transfer can start", c.ID)
		}
	}

	if _, err := e.ExecuteStep(ctx, dealID, 1, fundsLockedTxHash); err != nil {
		return nil, err
	}
	return e.ExecuteStep(ctx, dealID, 2, bridgeTxHash)
}

// FeeEstimate is the read-only shadow of route planning. FallbackMode marks
// the conservative defaults used when the aggregator is unreachable.
type FeeEstimate struct {
	SourceNetwork    string  `json:"sourceNetwork"`
	TargetNetwork    string  `json:"targetNetwork"`
	Amount           string  `json:"amount"`
	Bridge           string  `json:"bridge,omitempty"`
	FeeUSD           float64 `json:"feeUsd"`
	EstimatedSeconds int     `json:"estimatedSeconds"`
	Confidence       string  `json:"confidence"`
	FallbackMode     bool    `json:"fallbackMode"`
}

const (
	fallbackFeeUSD  = 10.0
	fallbackSeconds = 1800
)

func (e *CrossChainService) EstimateFees(ctx context.Context, source, target chain.Network, amount *big.Int) (*FeeEstimate, error) {
	if !chain.IsSupported(source) || !chain.IsSupported(target) {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unsupported network pair %s -> %s", source, target)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperr.InvalidArgument("amount must be positive")
	}

	estimate := &FeeEstimate{
		SourceNetwork: string(source),
		TargetNetwork: string(target),
		Amount:        amount.String(),
	}

	route, err := e.router.PlanRoute(ctx, bridge.RouteRequest{
		SourceNetwork: source,
		TargetNetwork: target,
		Amount:        amount,
	})
	if err != nil {
		e.log.WithError(err).Warn("fee estimation degraded to fallback")
		estimate.FeeUSD = fallbackFeeUSD
		estimate.EstimatedSeconds = fallbackSeconds
		estimate.Confidence = "low"
		estimate.FallbackMode = true
		return estimate, nil
	}

	estimate.Bridge = route.Bridge
	estimate.FeeUSD = route.FeeUSD
	estimate.EstimatedSeconds = route.EstimatedSeconds
	estimate.Confidence = "high"
	return estimate, nil
}
