package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/model"
	"github.com/clearhold/escrow-backend/internal/repository"
)

// DealService owns the deal status transitions, the condition protocol, and
// the dispute/approval windows. Every multi-field mutation runs inside one
// store transaction so status changes and their timeline entries commit
// together.
type DealService struct {
	deals      DealStore
	users      UserDirectory
	crossChain *CrossChainService
	deployer   EscrowDeployer
	log        *logrus.Entry
}

func NewDealService(deals DealStore, users UserDirectory, crossChain *CrossChainService, deployer EscrowDeployer) *DealService {
	return &DealService{
		deals:      deals,
		users:      users,
		crossChain: crossChain,
		deployer:   deployer,
		log:        logrus.WithField("component", "deal_service"),
	}
}

type ConditionInput struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type CreateDealParams struct {
	InitiatedBy         string
	PropertyAddress     string
	Amount              string
	OtherPartyEmail     string
	BuyerWalletAddress  string
	SellerWalletAddress string
	InitialConditions   []ConditionInput
}

// weiPerEther converts the API's ether-denominated decimal amounts into the
// smallest-unit integers everything below the handler works in.
var weiPerEther = new(big.Float).SetInt(big.NewInt(1e18))

func parseAmountToWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, apperr.InvalidArgument("amount is required")
	}
	f, ok := new(big.Float).SetString(s)
	if !ok || f.IsInf() {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "amount must be a finite decimal, got %q", s)
	}
	if f.Sign() <= 0 {
		return nil, apperr.InvalidArgument("amount must be greater than zero")
	}
	wei, _ := new(big.Float).Mul(f, weiPerEther).Int(nil)
	if wei.Sign() <= 0 {
		return nil, apperr.InvalidArgument("amount must be greater than zero")
	}
	return wei, nil
}

// Create validates the request, persists the deal, and then attempts the
// best-effort side work: escrow contract deployment and bridge route
// preparation. Side-work failures never roll the deal back; they are
// recorded on the timeline.
func (s *DealService) Create(ctx context.Context, principal model.Principal, p CreateDealParams) (*model.Deal, error) {
	initiatedBy := model.Party(p.InitiatedBy)
	if initiatedBy != model.PartyBuyer && initiatedBy != model.PartySeller {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "initiatedBy must be BUYER or SELLER, got %q", p.InitiatedBy)
	}
	if p.PropertyAddress == "" {
		return nil, apperr.InvalidArgument("propertyAddress is required")
	}
	amount, err := parseAmountToWei(p.Amount)
	if err != nil {
		return nil, err
	}
	if p.BuyerWalletAddress == p.SellerWalletAddress {
		return nil, apperr.InvalidArgument("buyer and seller wallets must be distinct")
	}

	buyerNetwork, ok := chain.DetectNetwork(p.BuyerWalletAddress)
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unrecognized buyer wallet address: %s", p.BuyerWalletAddress)
	}
	sellerNetwork, ok := chain.DetectNetwork(p.SellerWalletAddress)
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unrecognized seller wallet address: %s", p.SellerWalletAddress)
	}
	if err := chain.ValidateAddress(buyerNetwork, p.BuyerWalletAddress); err != nil {
		return nil, err
	}
	if err := chain.ValidateAddress(sellerNetwork, p.SellerWalletAddress); err != nil {
		return nil, err
	}

	other, err := s.users.GetByEmail(ctx, p.OtherPartyEmail)
	if err != nil {
		return nil, apperr.Newf(apperr.KindNotFound, "no account found for %s", p.OtherPartyEmail)
	}
	if other.ID == principal.ID {
		return nil, apperr.InvalidArgument("otherPartyEmail must belong to the counterparty")
	}

	now := time.Now().UTC()
	conditions := make([]model.Condition, 0, len(p.InitialConditions)+4)
	for _, c := range p.InitialConditions {
		if c.ID == "" || c.Type == "" || c.Description == "" {
			return nil, apperr.InvalidArgument("each initial condition needs id, type, and description")
		}
		conditions = append(conditions, model.Condition{
			ID:          c.ID,
			Type:        model.ConditionType(c.Type),
			Description: c.Description,
			Status:      model.ConditionPendingBuyerAction,
			UpdatedAt:   now,
		})
	}

	isCrossChain := buyerNetwork != sellerNetwork || !chain.IsEVM(buyerNetwork) || !chain.IsEVM(sellerNetwork)
	bridgeRequired := buyerNetwork != sellerNetwork
	if isCrossChain {
		conditions = append(conditions, crossChainConditions(buyerNetwork, sellerNetwork, bridgeRequired, now)...)
	}

	buyerID, sellerID := principal.ID, other.ID
	if initiatedBy == model.PartySeller {
		buyerID, sellerID = other.ID, principal.ID
	}

	deal := &model.Deal{
		ID:              uuid.New().String(),
		BuyerID:         buyerID,
		SellerID:        sellerID,
		BuyerWallet:     p.BuyerWalletAddress,
		SellerWallet:    p.SellerWalletAddress,
		InitiatedBy:     initiatedBy,
		PropertyAddress: p.PropertyAddress,
		Amount:          model.NewBigInt(amount),
		BuyerNetwork:    string(buyerNetwork),
		SellerNetwork:   string(sellerNetwork),
		IsCrossChain:    isCrossChain,
		Status:          model.InitialStatus(initiatedBy),
		Conditions:      conditions,
		Timeline: []model.TimelineEvent{{
			Event:     "Deal created",
			Timestamp: now,
			ActorID:   principal.ID,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.deals.Create(ctx, deal); err != nil {
		return nil, apperr.Internal("persisting deal", err)
	}

	s.attemptDeployment(ctx, deal, buyerNetwork)
	if isCrossChain {
		s.crossChain.Prepare(ctx, deal)
	}

	return s.deals.GetByID(ctx, deal.ID)
}

func crossChainConditions(buyerNet, sellerNet chain.Network, bridgeRequired bool, now time.Time) []model.Condition {
	mk := func(id, desc string) model.Condition {
		return model.Condition{
			ID:          id,
			Type:        model.ConditionCrossChain,
			Description: desc,
			Status:      model.ConditionPendingBuyerAction,
			UpdatedAt:   now,
		}
	}
	conds := []model.Condition{
		mk(model.CondCrossChainNetworkValidation,
			fmt.Sprintf("Confirm network compatibility between %s and %s", buyerNet, sellerNet)),
		mk(model.CondCrossChainBridgeSetup, "Confirm cross-chain bridge setup and receipt path"),
		mk(model.CondCrossChainFundsLocked, "Lock funds on the source network"),
	}
	if bridgeRequired {
		conds = append(conds, mk(model.CondCrossChainBridgeTransfer,
			fmt.Sprintf("Bridge transfer from %s to %s", buyerNet, sellerNet)))
	}
	return conds
}

// attemptDeployment deploys the per-deal escrow contract outside the create
// transaction. Failure leaves smartContractAddress null and a timeline
// warning; creation has already succeeded.
func (s *DealService) attemptDeployment(ctx context.Context, deal *model.Deal, buyerNetwork chain.Network) {
	var event model.TimelineEvent
	event.Timestamp = time.Now().UTC()
	event.SystemTriggered = true

	switch {
	case s.deployer == nil:
		event.Event = "Contract deployment skipped: deployer not configured"
	case !chain.IsEVM(buyerNetwork):
		event.Event = fmt.Sprintf("Contract deployment skipped: %s is not an EVM network", buyerNetwork)
	default:
		result, err := s.deployer.Deploy(ctx, chain.DeployParams{
			SellerWallet: deal.SellerWallet,
			BuyerWallet:  deal.BuyerWallet,
			Amount:       &deal.Amount.Int,
			Network:      buyerNetwork,
		})
		if err != nil {
			s.log.WithField("deal", deal.ID).WithError(err).Warn("escrow deployment failed")
			event.Event = "Contract deployment failed: " + err.Error()
		} else {
			event.Event = "Escrow contract deployed at " + result.ContractAddress
			event.TxHash = result.DeployTxHash
			txnErr := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
				addr := result.ContractAddress
				txn.Deal().SmartContractAddress = &addr
				txn.MarkDealDirty()
				txn.AppendTimeline(event)
				return nil
			})
			if txnErr != nil {
				s.log.WithField("deal", deal.ID).WithError(txnErr).Error("recording deployed contract")
			}
			return
		}
	}

	if err := s.deals.Transact(ctx, deal.ID, func(txn repository.Txn) error {
		txn.AppendTimeline(event)
		return nil
	}); err != nil {
		s.log.WithField("deal", deal.ID).WithError(err).Error("recording deployment outcome")
	}
}

// Get returns the deal when the principal is a participant.
func (s *DealService) Get(ctx context.Context, principal model.Principal, dealID string) (*model.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !deal.IsParticipant(principal.ID) {
		return nil, apperr.Forbidden("you are not a participant in this deal")
	}
	return deal, nil
}

// List returns the principal's deals, newest first.
func (s *DealService) List(ctx context.Context, principal model.Principal, page, limit int) ([]*model.Deal, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.deals.ListByParticipant(ctx, principal.ID, limit, (page-1)*limit)
}

type ReviewConditionParams struct {
	DealID               string
	ConditionID          string
	Status               string
	Notes                string
	CrossChainTxHash     string
	CrossChainStepNumber int
}

// ReviewCondition is the buyer marking one condition fulfilled or withdrawn.
// For cross-chain conditions the caller may supply a step number, in which
// case the engine also drives that bridge step.
func (s *DealService) ReviewCondition(ctx context.Context, principal model.Principal, p ReviewConditionParams) (*model.Deal, error) {
	target := model.ConditionStatus(p.Status)
	if target != model.ConditionFulfilledByBuyer && target != model.ConditionActionWithdrawnByBuyer {
		return nil, apperr.Newf(apperr.KindInvalidArgument,
			"status must be %s or %s", model.ConditionFulfilledByBuyer, model.ConditionActionWithdrawnByBuyer)
	}

	var isCrossChainCondition bool
	err := s.deals.Transact(ctx, p.DealID, func(txn repository.Txn) error {
		deal := txn.Deal()
		if principal.ID != deal.BuyerID {
			return apperr.Forbidden("only the buyer can review conditions")
		}
		cond := deal.Condition(p.ConditionID)
		if cond == nil {
			return apperr.NotFound("condition not found")
		}
		if cond.Status == target {
			return apperr.Newf(apperr.KindConflict, "condition %s is already %s", cond.ID, target)
		}
		if cond.Status == model.ConditionFulfilledByBuyer && target == model.ConditionActionWithdrawnByBuyer {
			return apperr.Conflict("a fulfilled condition can only be withdrawn through a dispute")
		}

		now := time.Now().UTC()
		cond.Status = target
		cond.Notes = p.Notes
		cond.UpdatedAt = now
		if p.CrossChainTxHash != "" {
			cond.CrossChainTxHash = p.CrossChainTxHash
		}
		isCrossChainCondition = cond.Type == model.ConditionCrossChain
		txn.MarkDealDirty()
		txn.AppendTimeline(model.TimelineEvent{
			Event:     fmt.Sprintf("Condition %q marked %s by buyer", cond.ID, target),
			Timestamp: now,
			ActorID:   principal.ID,
			TxHash:    p.CrossChainTxHash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if isCrossChainCondition && p.CrossChainStepNumber > 0 {
		if _, err := s.crossChain.ExecuteStep(ctx, p.DealID, p.CrossChainStepNumber, p.CrossChainTxHash); err != nil {
			s.log.WithField("deal", p.DealID).WithError(err).Warn("bridge step execution after condition review failed")
		}
	}

	return s.deals.GetByID(ctx, p.DealID)
}

type SyncStatusParams struct {
	DealID                    string
	NewStatus                 string
	EventMessage              string
	FinalApprovalDeadline     *time.Time
	DisputeResolutionDeadline *time.Time
}

// SyncStatus reflects an observed on-chain state change into the backend. A
// sync to the current status is a no-op that still appends a timeline entry.
func (s *DealService) SyncStatus(ctx context.Context, principal model.Principal, p SyncStatusParams) (*model.Deal, error) {
	newStatus := model.DealStatus(p.NewStatus)
	if !model.IsValidStatus(newStatus) {
		return nil, apperr.Newf(apperr.KindInvalidArgument, "unknown status: %s", p.NewStatus)
	}
	now := time.Now().UTC()
	if p.FinalApprovalDeadline != nil && !p.FinalApprovalDeadline.After(now) {
		return nil, apperr.InvalidArgument("finalApprovalDeadline must be in the future")
	}
	if p.DisputeResolutionDeadline != nil && !p.DisputeResolutionDeadline.After(now) {
		return nil, apperr.InvalidArgument("disputeResolutionDeadline must be in the future")
	}

	err := s.deals.Transact(ctx, p.DealID, func(txn repository.Txn) error {
		deal := txn.Deal()
		if !deal.IsParticipant(principal.ID) {
			return apperr.Forbidden("you are not a participant in this deal")
		}
		if !model.CanTransition(deal.Status, newStatus) {
			return apperr.Newf(apperr.KindInvalidTransition,
				"cannot transition from %s to %s", deal.Status, newStatus)
		}

		deal.Status = newStatus
		if model.MarksFundsDeposited(newStatus) {
			deal.FundsDepositedByBuyer = true
		}
		if newStatus == model.StatusCompleted {
			deal.FundsDepositedByBuyer = true
			deal.FundsReleasedToSeller = true
		}
		if p.FinalApprovalDeadline != nil {
			deal.FinalApprovalDeadline = p.FinalApprovalDeadline
		}
		if p.DisputeResolutionDeadline != nil {
			deal.DisputeResolutionDeadline = p.DisputeResolutionDeadline
		}
		txn.MarkDealDirty()

		message := p.EventMessage
		if message == "" {
			message = fmt.Sprintf("Status synced to %s", newStatus)
		}
		txn.AppendTimeline(model.TimelineEvent{
			Event:     message,
			Timestamp: time.Now().UTC(),
			ActorID:   principal.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.deals.GetByID(ctx, p.DealID)
}

// StartFinalApproval opens the final approval window. Buyer only; the
// deadline must be strictly in the future.
func (s *DealService) StartFinalApproval(ctx context.Context, principal model.Principal, dealID string, deadline time.Time) (*model.Deal, error) {
	if !deadline.After(time.Now().UTC()) {
		return nil, apperr.InvalidArgument("finalApprovalDeadline must be in the future")
	}

	err := s.deals.Transact(ctx, dealID, func(txn repository.Txn) error {
		deal := txn.Deal()
		if principal.ID != deal.BuyerID {
			return apperr.Forbidden("only the buyer can start the final approval period")
		}
		if !model.CanTransition(deal.Status, model.StatusInFinalApproval) {
			return apperr.Newf(apperr.KindInvalidTransition,
				"cannot start final approval from %s", deal.Status)
		}
		deal.Status = model.StatusInFinalApproval
		deal.FinalApprovalDeadline = &deadline
		txn.MarkDealDirty()
		txn.AppendTimeline(model.TimelineEvent{
			Event:     fmt.Sprintf("Final approval period started, ends %s", deadline.Format(time.RFC3339)),
			Timestamp: time.Now().UTC(),
			ActorID:   principal.ID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.deals.GetByID(ctx, dealID)
}

// RaiseDispute freezes the deal until the dispute deadline or resolution.
// Buyer only. When conditionID names a fulfilled condition, it is withdrawn
// as part of the same transaction.
func (s *DealService) RaiseDispute(ctx context.Context, principal model.Principal, dealID string, deadline time.Time, conditionID string) (*model.Deal, error) {
	if !deadline.After(time.Now().UTC()) {
		return nil, apperr.InvalidArgument("disputeResolutionDeadline must be in the future")
	}

	err := s.deals.Transact(ctx, dealID, func(txn repository.Txn) error {
		deal := txn.Deal()
		if principal.ID != deal.BuyerID {
			return apperr.Forbidden("Only the buyer can raise a dispute via this sync endpoint.")
		}
		if model.IsTerminal(deal.Status) {
			return apperr.Newf(apperr.KindInvalidTransition, "deal is already %s", deal.Status)
		}
		if deal.Status == model.StatusInDispute {
			return apperr.Conflict("deal is already in dispute")
		}

		now := time.Now().UTC()
		deal.Status = model.StatusInDispute
		deal.DisputeResolutionDeadline = &deadline
		txn.MarkDealDirty()
		txn.AppendTimeline(model.TimelineEvent{
			Event:     fmt.Sprintf("Dispute raised by buyer, resolution deadline %s", deadline.Format(time.RFC3339)),
			Timestamp: now,
			ActorID:   principal.ID,
		})

		if conditionID != "" {
			if cond := deal.Condition(conditionID); cond != nil && cond.Status == model.ConditionFulfilledByBuyer {
				cond.Status = model.ConditionActionWithdrawnByBuyer
				cond.UpdatedAt = now
				txn.AppendTimeline(model.TimelineEvent{
					Event:     fmt.Sprintf("Condition %q withdrawn as part of dispute", conditionID),
					Timestamp: now,
					ActorID:   principal.ID,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.deals.GetByID(ctx, dealID)
}
