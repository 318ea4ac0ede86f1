package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/middleware"
	"github.com/clearhold/escrow-backend/internal/service"
)

type DealHandler struct {
	svc *service.DealService
}

func NewDealHandler(svc *service.DealService) *DealHandler {
	return &DealHandler{svc: svc}
}

type createDealRequest struct {
	InitiatedBy         string                   `json:"initiatedBy"`
	PropertyAddress     string                   `json:"propertyAddress"`
	Amount              json.Number              `json:"amount"`
	OtherPartyEmail     string                   `json:"otherPartyEmail"`
	BuyerWalletAddress  string                   `json:"buyerWalletAddress"`
	SellerWalletAddress string                   `json:"sellerWalletAddress"`
	InitialConditions   []service.ConditionInput `json:"initialConditions"`
}

// Create starts a new deal.
// POST /api/transactions/create
func (h *DealHandler) Create(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication token is required."})
		return
	}
	var req createDealRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}

	deal, err := h.svc.Create(c.Request.Context(), principal, service.CreateDealParams{
		InitiatedBy:         req.InitiatedBy,
		PropertyAddress:     req.PropertyAddress,
		Amount:              req.Amount.String(),
		OtherPartyEmail:     req.OtherPartyEmail,
		BuyerWalletAddress:  req.BuyerWalletAddress,
		SellerWalletAddress: req.SellerWalletAddress,
		InitialConditions:   req.InitialConditions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deal)
}

// Get returns one deal for a participant.
// GET /api/transactions/:id
func (h *DealHandler) Get(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	deal, err := h.svc.Get(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// List returns the principal's deals, newest first.
// GET /api/transactions
func (h *DealHandler) List(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	deals, total, err := h.svc.List(c.Request.Context(), principal, page, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": deals,
		"total":        total,
		"page":         page,
		"limit":        limit,
	})
}

type reviewConditionRequest struct {
	DealID               string `json:"dealId"`
	Status               string `json:"status"`
	Notes                string `json:"notes,omitempty"`
	CrossChainTxHash     string `json:"crossChainTxHash,omitempty"`
	CrossChainStepNumber int    `json:"crossChainStepNumber,omitempty"`
}

// ReviewCondition is the buyer's fulfill/withdraw action on one condition.
// PATCH /api/transactions/conditions/:conditionId/buyer-review
func (h *DealHandler) ReviewCondition(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req reviewConditionRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.DealID == "" {
		respondError(c, apperr.InvalidArgument("dealId is required"))
		return
	}

	deal, err := h.svc.ReviewCondition(c.Request.Context(), principal, service.ReviewConditionParams{
		DealID:               req.DealID,
		ConditionID:          c.Param("conditionId"),
		Status:               req.Status,
		Notes:                req.Notes,
		CrossChainTxHash:     req.CrossChainTxHash,
		CrossChainStepNumber: req.CrossChainStepNumber,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

type syncStatusRequest struct {
	NewSCStatus               string     `json:"newSCStatus"`
	EventMessage              string     `json:"eventMessage,omitempty"`
	FinalApprovalDeadline     *time.Time `json:"finalApprovalDeadline,omitempty"`
	DisputeResolutionDeadline *time.Time `json:"disputeResolutionDeadline,omitempty"`
}

// SyncStatus reflects an observed on-chain state change into the backend.
// PUT /api/transactions/:id/sync-status
func (h *DealHandler) SyncStatus(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req syncStatusRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.NewSCStatus == "" {
		respondError(c, apperr.InvalidArgument("newSCStatus is required"))
		return
	}

	deal, err := h.svc.SyncStatus(c.Request.Context(), principal, service.SyncStatusParams{
		DealID:                    c.Param("id"),
		NewStatus:                 req.NewSCStatus,
		EventMessage:              req.EventMessage,
		FinalApprovalDeadline:     req.FinalApprovalDeadline,
		DisputeResolutionDeadline: req.DisputeResolutionDeadline,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

type startFinalApprovalRequest struct {
	FinalApprovalDeadline time.Time `json:"finalApprovalDeadline"`
}

// StartFinalApproval opens the final approval window.
// POST /api/transactions/:id/sc/start-final-approval
func (h *DealHandler) StartFinalApproval(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req startFinalApprovalRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}

	deal, err := h.svc.StartFinalApproval(c.Request.Context(), principal, c.Param("id"), req.FinalApprovalDeadline)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}

type raiseDisputeRequest struct {
	DisputeResolutionDeadline time.Time `json:"disputeResolutionDeadline"`
	ConditionID               string    `json:"conditionId,omitempty"`
}

// RaiseDispute freezes the deal pending resolution.
// POST /api/transactions/:id/sc/raise-dispute
func (h *DealHandler) RaiseDispute(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req raiseDisputeRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}

	deal, err := h.svc.RaiseDispute(c.Request.Context(), principal, c.Param("id"), req.DisputeResolutionDeadline, req.ConditionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deal)
}
