package model

import (
	"bytes"
	"fmt"
	"math/big"
	"time"
)

// BigInt is a wei-denominated arbitrary-precision integer that serializes as
// a decimal string in JSON and maps to NUMERIC(78,0) in Postgres.
type BigInt struct {
	big.Int
}

func NewBigInt(v *big.Int) *BigInt {
	b := &BigInt{}
	if v != nil {
		b.Set(v)
	}
	return b
}

func NewBigIntFromString(s string) (*BigInt, bool) {
	b := &BigInt{}
	if _, ok := b.SetString(s, 10); !ok {
		return nil, false
	}
	return b, true
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return []byte(`"` + b.String() + `"`), nil
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "null" || s == "" {
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid integer amount: %s", s)
	}
	return nil
}

// Party identifies which side of a deal an actor is on.
type Party string

const (
	PartyBuyer  Party = "BUYER"
	PartySeller Party = "SELLER"
)

// Principal is the authenticated identity the API layer hands to services.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	DisplayName string    `json:"displayName,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

type ConditionType string

const (
	ConditionCustom     ConditionType = "CUSTOM"
	ConditionInspection ConditionType = "INSPECTION"
	ConditionTitleDeed  ConditionType = "TITLE_DEED"
	ConditionCrossChain ConditionType = "CROSS_CHAIN"
)

type ConditionStatus string

const (
	ConditionPendingBuyerAction     ConditionStatus = "PENDING_BUYER_ACTION"
	ConditionFulfilledByBuyer       ConditionStatus = "FULFILLED_BY_BUYER"
	ConditionActionWithdrawnByBuyer ConditionStatus = "ACTION_WITHDRAWN_BY_BUYER"
)

// Well-known condition ids appended to every cross-chain deal. Step
// completion in the cross-chain engine fulfills them automatically.
const (
	CondCrossChainNetworkValidation = "cross_chain_network_validation"
	CondCrossChainBridgeSetup       = "cross_chain_bridge_setup"
	CondCrossChainFundsLocked       = "cross_chain_funds_locked"
	CondCrossChainBridgeTransfer    = "cross_chain_bridge_transfer"
)

// AutoFulfillActor is recorded on conditions the engine fulfills on the
// buyer's behalf when a bridge step completes.
const AutoFulfillActor = "cross_chain_system"

type Condition struct {
	ID               string          `json:"id"`
	Type             ConditionType   `json:"type"`
	Description      string          `json:"description"`
	Status           ConditionStatus `json:"status"`
	Notes            string          `json:"notes,omitempty"`
	AutoFulfilledBy  string          `json:"autoFulfilledBy,omitempty"`
	CrossChainTxHash string          `json:"crossChainTxHash,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TimelineEvent is one entry in a deal's append-only audit log.
type TimelineEvent struct {
	Event           string    `json:"event"`
	Timestamp       time.Time `json:"timestamp"`
	ActorID         string    `json:"actorId,omitempty"`
	SystemTriggered bool      `json:"systemTriggered,omitempty"`
	TxHash          string    `json:"txHash,omitempty"`
}

// Deal is the root entity: one escrow agreement between buyer and seller,
// optionally backed by a per-deal smart contract and a bridge transaction.
type Deal struct {
	ID                        string          `json:"id" db:"id"`
	BuyerID                   string          `json:"buyerId" db:"buyer_id"`
	SellerID                  string          `json:"sellerId" db:"seller_id"`
	BuyerWallet               string          `json:"buyerWalletAddress" db:"buyer_wallet"`
	SellerWallet              string          `json:"sellerWalletAddress" db:"seller_wallet"`
	InitiatedBy               Party           `json:"initiatedBy" db:"initiated_by"`
	PropertyAddress           string          `json:"propertyAddress" db:"property_address"`
	Amount                    *BigInt         `json:"amount" db:"amount"`
	BuyerNetwork              string          `json:"buyerNetwork" db:"buyer_network"`
	SellerNetwork             string          `json:"sellerNetwork" db:"seller_network"`
	IsCrossChain              bool            `json:"isCrossChain" db:"is_cross_chain"`
	SmartContractAddress      *string         `json:"smartContractAddress" db:"smart_contract_address"`
	Status                    DealStatus      `json:"status" db:"status"`
	Conditions                []Condition     `json:"conditions" db:"conditions"`
	FinalApprovalDeadline     *time.Time      `json:"finalApprovalDeadline,omitempty" db:"final_approval_deadline"`
	DisputeResolutionDeadline *time.Time      `json:"disputeResolutionDeadline,omitempty" db:"dispute_resolution_deadline"`
	FundsDepositedByBuyer     bool            `json:"fundsDepositedByBuyer" db:"funds_deposited_by_buyer"`
	FundsReleasedToSeller     bool            `json:"fundsReleasedToSeller" db:"funds_released_to_seller"`
	CrossChainTransactionID   string          `json:"crossChainTransactionId,omitempty" db:"cross_chain_transaction_id"`
	ProcessingError           string          `json:"processingError,omitempty" db:"processing_error"`
	Timeline                  []TimelineEvent `json:"timeline" db:"timeline"`
	CreatedAt                 time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt                 time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsParticipant reports whether the principal is buyer or seller on the deal.
func (d *Deal) IsParticipant(principalID string) bool {
	return principalID == d.BuyerID || principalID == d.SellerID
}

// Condition returns the condition with the given id, or nil.
func (d *Deal) Condition(id string) *Condition {
	for i := range d.Conditions {
		if d.Conditions[i].ID == id {
			return &d.Conditions[i]
		}
	}
	return nil
}

// AllConditionsFulfilled reports whether every condition is FULFILLED_BY_BUYER.
func (d *Deal) AllConditionsFulfilled() bool {
	for i := range d.Conditions {
		if d.Conditions[i].Status != ConditionFulfilledByBuyer {
			return false
		}
	}
	return len(d.Conditions) > 0
}

// CrossChainConditionsFulfilled reports whether every CROSS_CHAIN condition
// is FULFILLED_BY_BUYER.
func (d *Deal) CrossChainConditionsFulfilled() bool {
	for i := range d.Conditions {
		if d.Conditions[i].Type == ConditionCrossChain && d.Conditions[i].Status != ConditionFulfilledByBuyer {
			return false
		}
	}
	return true
}

type TxStatus string

const (
	TxPrepared   TxStatus = "prepared"
	TxInProgress TxStatus = "in_progress"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxStuck      TxStatus = "stuck"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Canonical step actions for a bridged route.
const (
	StepActionInitiateBridge = "initiate_bridge"
	StepActionMonitorBridge  = "monitor_bridge"
	StepActionConfirmReceipt = "confirm_receipt"
	StepActionDirectTransfer = "direct_transfer"
)

// Step is one atomic unit of a cross-chain transaction's execution.
type Step struct {
	Step             int        `json:"step"`
	Action           string     `json:"action"`
	Status           StepStatus `json:"status"`
	Description      string     `json:"description"`
	ConditionMapping string     `json:"conditionMapping,omitempty"`
	TxHash           string     `json:"txHash,omitempty"`
	ExecutionID      string     `json:"executionId,omitempty"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// BridgeInfo is the chosen route summary persisted with a transaction.
type BridgeInfo struct {
	Bridge           string  `json:"bridge"`
	EstimatedSeconds int     `json:"estimatedSeconds"`
	FeeUSD           float64 `json:"feeUsd"`
	Confidence       float64 `json:"confidence"`
	RawRoute         []byte  `json:"rawRoute,omitempty"`
}

// CrossChainTransaction is the bridge state for one deal. Deal and
// transaction are two documents linked by id; neither owns the other.
type CrossChainTransaction struct {
	ID              string      `json:"id" db:"id"`
	DealID          string      `json:"dealId" db:"deal_id"`
	FromAddress     string      `json:"fromAddress" db:"from_address"`
	ToAddress       string      `json:"toAddress" db:"to_address"`
	Amount          *BigInt     `json:"amount" db:"amount"`
	SourceNetwork   string      `json:"sourceNetwork" db:"source_network"`
	TargetNetwork   string      `json:"targetNetwork" db:"target_network"`
	BridgeInfo      *BridgeInfo `json:"bridgeInfo,omitempty" db:"bridge_info"`
	Steps           []Step      `json:"steps" db:"steps"`
	Status          TxStatus    `json:"status" db:"status"`
	LastStatusCheck *time.Time  `json:"lastStatusCheck,omitempty" db:"last_status_check"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
}

// StepByNumber returns the step with the given 1-based number, or nil.
func (t *CrossChainTransaction) StepByNumber(n int) *Step {
	for i := range t.Steps {
		if t.Steps[i].Step == n {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByAction returns the first step with the given action, or nil.
func (t *CrossChainTransaction) StepByAction(action string) *Step {
	for i := range t.Steps {
		if t.Steps[i].Action == action {
			return &t.Steps[i]
		}
	}
	return nil
}

// RecomputeStatus derives the transaction status from its steps: all
// completed -> completed, any failed -> failed, else in_progress.
func (t *CrossChainTransaction) RecomputeStatus() TxStatus {
	if len(t.Steps) == 0 {
		return t.Status
	}
	completed := 0
	for i := range t.Steps {
		switch t.Steps[i].Status {
		case StepFailed:
			return TxFailed
		case StepCompleted:
			completed++
		}
	}
	if completed == len(t.Steps) {
		return TxCompleted
	}
	return TxInProgress
}
