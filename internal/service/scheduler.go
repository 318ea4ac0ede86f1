package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/model"
	"github.com/clearhold/escrow-backend/internal/repository"
)

const schedulerLockKey = "deadline_scheduler"

// DeadlineScheduler is the periodic reconciliation job that advances deals
// whose approval or dispute windows have lapsed, re-polls pending bridge
// transfers, and flags stuck cross-chain deals. One run at a time per
// process; an optional redis lease extends that to one per cluster.
type DeadlineScheduler struct {
	deals  DealStore
	txs    CrossChainStore
	engine *CrossChainService
	caller ContractCaller
	locker Locker

	statusCheckInterval time.Duration
	stuckThreshold      time.Duration

	cron    *cron.Cron
	running atomic.Bool
	log     *logrus.Entry
}

func NewDeadlineScheduler(deals DealStore, txs CrossChainStore, engine *CrossChainService, caller ContractCaller, locker Locker, statusCheckInterval, stuckThreshold time.Duration) *DeadlineScheduler {
	if statusCheckInterval <= 0 {
		statusCheckInterval = time.Hour
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 2 * time.Hour
	}
	return &DeadlineScheduler{
		deals:               deals,
		txs:                 txs,
		engine:              engine,
		caller:              caller,
		locker:              locker,
		statusCheckInterval: statusCheckInterval,
		stuckThreshold:      stuckThreshold,
		log:                 logrus.WithField("component", "deadline_scheduler"),
	}
}

// Start registers the job on the given cron schedule and begins ticking.
func (s *DeadlineScheduler) Start(schedule string) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(schedule, func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler cadence %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.WithField("schedule", schedule).Info("deadline scheduler started")
	return nil
}

func (s *DeadlineScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce performs one reconciliation pass. Overlapping ticks are no-ops:
// the guard is acquired at entry and released on every exit path.
func (s *DeadlineScheduler) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("previous run still executing, skipping tick")
		return
	}
	defer s.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("CRITICAL: scheduler run panicked")
		}
	}()

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, schedulerLockKey, 10*time.Minute)
		if err != nil {
			s.log.WithError(err).Warn("scheduler lease unavailable, proceeding with local guard only")
		} else if !ok {
			s.log.Info("scheduler lease held elsewhere, skipping tick")
			return
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(ctx, schedulerLockKey); err != nil {
					s.log.WithError(err).Warn("releasing scheduler lease")
				}
			}()
		}
	}

	now := time.Now().UTC()
	s.releaseExpiredFinalApprovals(ctx, now)
	s.cancelExpiredDisputes(ctx, now)
	s.releaseExpiredCrossChain(ctx, now)
	s.pollPendingBridgeTransfers(ctx, now)
	s.flagStuckCrossChainDeals(ctx, now)
}

// Pass 1: non-cross-chain deals past their final approval deadline release
// funds to the seller.
func (s *DeadlineScheduler) releaseExpiredFinalApprovals(ctx context.Context, now time.Time) {
	deals, err := s.deals.DealsPastFinalApproval(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("querying deals past final approval")
		return
	}
	for _, deal := range deals {
		log := s.log.WithField("deal", deal.ID)
		if deal.SmartContractAddress == nil {
			log.Warn("final approval expired but deal has no contract, skipping")
			continue
		}
		txHash, callErr := s.caller.SendContractCall(ctx, *deal.SmartContractAddress, "releaseFundsAfterApprovalPeriod")
		if callErr != nil {
			log.WithError(callErr).Error("automatic release failed")
			s.markFailed(ctx, deal.ID, model.StatusAutoReleaseFailed,
				"Automatic fund release failed: "+callErr.Error(), callErr.Error())
			continue
		}
		err := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
			d := txn.Deal()
			d.Status = model.StatusCompleted
			d.FundsReleasedToSeller = true
			d.ProcessingError = ""
			txn.MarkDealDirty()
			txn.AppendTimeline(model.TimelineEvent{
				Event:           "Funds automatically released. Tx: " + txHash,
				Timestamp:       time.Now().UTC(),
				SystemTriggered: true,
				TxHash:          txHash,
			})
			return nil
		})
		if err != nil {
			log.WithError(err).Error("recording automatic release")
		} else {
			log.WithField("tx", txHash).Info("funds released after approval period")
		}
	}
}

// Pass 2: disputes past their resolution deadline refund the buyer.
func (s *DeadlineScheduler) cancelExpiredDisputes(ctx context.Context, now time.Time) {
	deals, err := s.deals.DealsPastDisputeDeadline(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("querying deals past dispute deadline")
		return
	}
	for _, deal := range deals {
		log := s.log.WithField("deal", deal.ID)
		if deal.SmartContractAddress == nil {
			log.Warn("dispute deadline expired but deal has no contract, skipping")
			continue
		}
		txHash, callErr := s.caller.SendContractCall(ctx, *deal.SmartContractAddress, "cancelEscrowAndRefundBuyer")
		if callErr != nil {
			log.WithError(callErr).Error("automatic cancellation failed")
			s.markFailed(ctx, deal.ID, model.StatusAutoCancellationFailed,
				"Automatic escrow cancellation failed: "+callErr.Error(), callErr.Error())
			continue
		}
		err := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
			d := txn.Deal()
			d.Status = model.StatusCancelled
			d.ProcessingError = ""
			txn.MarkDealDirty()
			txn.AppendTimeline(model.TimelineEvent{
				Event:           "Escrow automatically cancelled and buyer refunded. Tx: " + txHash,
				Timestamp:       time.Now().UTC(),
				SystemTriggered: true,
				TxHash:          txHash,
			})
			return nil
		})
		if err != nil {
			log.WithError(err).Error("recording automatic cancellation")
		} else {
			log.WithField("tx", txHash).Info("escrow cancelled after dispute deadline")
		}
	}
}

// Pass 3: cross-chain deals past final approval release only when every
// cross-chain condition is fulfilled; otherwise they need a human.
func (s *DeadlineScheduler) releaseExpiredCrossChain(ctx context.Context, now time.Time) {
	deals, err := s.deals.CrossChainDealsPastFinalApproval(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("querying cross-chain deals past final approval")
		return
	}
	for _, deal := range deals {
		log := s.log.WithField("deal", deal.ID)
		if !deal.CrossChainConditionsFulfilled() {
			log.Warn("cross-chain conditions unfulfilled past deadline, requires manual intervention")
			continue
		}

		var txHash string
		if deal.SmartContractAddress != nil && s.caller.Ready() {
			txHash, err = s.caller.SendContractCall(ctx, *deal.SmartContractAddress, "releaseFundsAfterApprovalPeriod")
			if err != nil {
				log.WithError(err).Error("cross-chain release call failed")
				s.markFailed(ctx, deal.ID, model.StatusAutoReleaseFailed,
					"Cross-chain fund release failed: "+err.Error(), err.Error())
				continue
			}
		}
		err := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
			d := txn.Deal()
			d.Status = model.StatusCrossChainFundsReleased
			d.FundsReleasedToSeller = true
			d.ProcessingError = ""
			txn.MarkDealDirty()
			event := "Cross-chain funds released after approval period"
			if txHash != "" {
				event += ". Tx: " + txHash
			}
			txn.AppendTimeline(model.TimelineEvent{
				Event:           event,
				Timestamp:       time.Now().UTC(),
				SystemTriggered: true,
				TxHash:          txHash,
			})
			return nil
		})
		if err != nil {
			log.WithError(err).Error("recording cross-chain release")
		} else {
			log.Info("cross-chain funds released")
		}
	}
}

// Pass 4: re-poll bridge transfers whose last status check has gone stale.
func (s *DeadlineScheduler) pollPendingBridgeTransfers(ctx context.Context, now time.Time) {
	txs, err := s.txs.PendingStatusCheck(ctx, now.Add(-s.statusCheckInterval))
	if err != nil {
		s.log.WithError(err).Error("querying pending bridge transfers")
		return
	}
	for _, tx := range txs {
		monitor := tx.StepByAction(model.StepActionMonitorBridge)
		// Only a monitor step started by a completed initiate step has a
		// bridge execution to poll.
		if monitor == nil || monitor.Status != model.StepInProgress {
			continue
		}
		if _, err := s.engine.ExecuteStep(ctx, tx.DealID, monitor.Step, ""); err != nil {
			s.log.WithField("deal", tx.DealID).WithError(err).Error("bridge status re-poll failed")
		}
	}
}

// Pass 5: cross-chain deals with no activity past the stuck threshold are
// flagged for manual action and not auto-driven further.
func (s *DeadlineScheduler) flagStuckCrossChainDeals(ctx context.Context, now time.Time) {
	deals, err := s.deals.CrossChainDealsStuck(ctx, now.Add(-s.stuckThreshold))
	if err != nil {
		s.log.WithError(err).Error("querying stuck cross-chain deals")
		return
	}
	for _, deal := range deals {
		log := s.log.WithField("deal", deal.ID)
		err := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
			d := txn.Deal()
			if !model.CanTransition(d.Status, model.StatusCrossChainStuck) {
				return nil
			}
			d.Status = model.StatusCrossChainStuck
			txn.MarkDealDirty()
			txn.AppendTimeline(model.TimelineEvent{
				Event:           "Cross-chain transfer stalled, requires manual intervention",
				Timestamp:       time.Now().UTC(),
				SystemTriggered: true,
			})
			return nil
		})
		if err != nil {
			log.WithError(err).Error("flagging stuck deal")
		} else {
			log.Warn("cross-chain deal flagged stuck")
		}
	}
}

func (s *DeadlineScheduler) markFailed(ctx context.Context, dealID string, status model.DealStatus, event, processingError string) {
	err := s.deals.Transact(ctx, dealID, func(txn repository.Txn) error {
		d := txn.Deal()
		d.Status = status
		d.ProcessingError = processingError
		txn.MarkDealDirty()
		txn.AppendTimeline(model.TimelineEvent{
			Event:           event,
			Timestamp:       time.Now().UTC(),
			SystemTriggered: true,
		})
		return nil
	})
	if err != nil {
		s.log.WithField("deal", dealID).WithError(err).Error("recording scheduler failure state")
	}
}
