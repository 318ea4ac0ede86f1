package handler

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/middleware"
	"github.com/clearhold/escrow-backend/internal/service"
)

type CrossChainHandler struct {
	svc *service.CrossChainService
}

func NewCrossChainHandler(svc *service.CrossChainService) *CrossChainHandler {
	return &CrossChainHandler{svc: svc}
}

type executeStepRequest struct {
	StepNumber int    `json:"stepNumber"`
	TxHash     string `json:"txHash,omitempty"`
}

// ExecuteStep drives one bridge step for a deal.
// POST /api/transactions/cross-chain/:dealId/execute-step
func (h *CrossChainHandler) ExecuteStep(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req executeStepRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}
	if req.StepNumber < 1 {
		respondError(c, apperr.InvalidArgument("stepNumber must be at least 1"))
		return
	}

	// Participation is checked before any step runs.
	if _, err := h.svc.Status(c.Request.Context(), principal, c.Param("dealId")); err != nil {
		respondError(c, err)
		return
	}
	tx, err := h.svc.ExecuteStep(c.Request.Context(), c.Param("dealId"), req.StepNumber, req.TxHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Status returns combined deal + bridge transaction state.
// GET /api/transactions/cross-chain/:dealId/status
func (h *CrossChainHandler) Status(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	status, err := h.svc.Status(c.Request.Context(), principal, c.Param("dealId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type transferRequest struct {
	FundsLockedTxHash string `json:"fundsLockedTxHash"`
	BridgeTxHash      string `json:"bridgeTxHash,omitempty"`
}

// Transfer drives bridge steps 1 and 2 with the supplied hashes.
// POST /api/transactions/cross-chain/:dealId/transfer
func (h *CrossChainHandler) Transfer(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req transferRequest
	if err := bindStrict(c, &req); err != nil {
		respondError(c, err)
		return
	}

	tx, err := h.svc.Transfer(c.Request.Context(), principal, c.Param("dealId"), req.FundsLockedTxHash, req.BridgeTxHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// EstimateFees is the read-only fee shadow of route planning.
// GET /api/transactions/cross-chain/estimate-fees?sourceNetwork&targetNetwork&amount
func (h *CrossChainHandler) EstimateFees(c *gin.Context) {
	source := chain.Network(c.Query("sourceNetwork"))
	target := chain.Network(c.Query("targetNetwork"))
	amount, ok := new(big.Int).SetString(c.Query("amount"), 10)
	if !ok {
		respondError(c, apperr.InvalidArgument("amount must be an integer in smallest units"))
		return
	}

	estimate, err := h.svc.EstimateFees(c.Request.Context(), source, target, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}
