package model

// DealStatus is the lifecycle state of a deal. Transitions are only valid
// along the edges in allowedTransitions; anything else is rejected.
type DealStatus string

const (
	StatusPendingSellerReview          DealStatus = "PENDING_SELLER_REVIEW"
	StatusPendingBuyerReview           DealStatus = "PENDING_BUYER_REVIEW"
	StatusAwaitingConditionFulfillment DealStatus = "AWAITING_CONDITION_FULFILLMENT"
	StatusAwaitingDeposit              DealStatus = "AWAITING_DEPOSIT"
	StatusInEscrow                     DealStatus = "IN_ESCROW"
	StatusInFinalApproval              DealStatus = "IN_FINAL_APPROVAL"
	StatusInDispute                    DealStatus = "IN_DISPUTE"
	StatusCompleted                    DealStatus = "COMPLETED"
	StatusCancelled                    DealStatus = "CANCELLED"

	// Scheduler failure states. Both keep edges to COMPLETED/CANCELLED so an
	// operator can retry the on-chain call and sync the outcome; the
	// scheduler's deadline passes do not select deals in these states.
	StatusAutoReleaseFailed      DealStatus = "AutoReleaseFailed"
	StatusAutoCancellationFailed DealStatus = "AutoCancellationFailed"

	// Cross-chain terminal and exception paths.
	StatusCrossChainFundsReleased                DealStatus = "CrossChainFundsReleased"
	StatusCrossChainCancelledAfterDisputeDeadline DealStatus = "CrossChainCancelledAfterDisputeDeadline"
	StatusCrossChainStuck                         DealStatus = "CrossChainStuck"
)

var terminalStatuses = map[DealStatus]bool{
	StatusCompleted:               true,
	StatusCancelled:               true,
	StatusCrossChainFundsReleased: true,
	StatusCrossChainCancelledAfterDisputeDeadline: true,
}

var allowedTransitions = map[DealStatus][]DealStatus{
	StatusPendingSellerReview: {
		StatusAwaitingConditionFulfillment,
		StatusCancelled,
		StatusCrossChainStuck,
	},
	StatusPendingBuyerReview: {
		StatusAwaitingConditionFulfillment,
		StatusCancelled,
		StatusCrossChainStuck,
	},
	StatusAwaitingConditionFulfillment: {
		StatusAwaitingDeposit,
		StatusInEscrow,
		StatusInFinalApproval,
		StatusInDispute,
		StatusCancelled,
		StatusCrossChainStuck,
	},
	StatusAwaitingDeposit: {
		StatusInEscrow,
		StatusInDispute,
		StatusCancelled,
		StatusCrossChainStuck,
	},
	StatusInEscrow: {
		StatusInFinalApproval,
		StatusInDispute,
		StatusCancelled,
		StatusCrossChainStuck,
	},
	StatusInFinalApproval: {
		StatusCompleted,
		StatusInDispute,
		StatusAutoReleaseFailed,
		StatusCrossChainFundsReleased,
		StatusCrossChainStuck,
	},
	StatusInDispute: {
		StatusCompleted,
		StatusCancelled,
		StatusAutoCancellationFailed,
		StatusCrossChainCancelledAfterDisputeDeadline,
		StatusCrossChainStuck,
	},
	StatusAutoReleaseFailed: {
		StatusCompleted,
		StatusAutoReleaseFailed,
		StatusInDispute,
		StatusCrossChainStuck,
	},
	StatusAutoCancellationFailed: {
		StatusCancelled,
		StatusAutoCancellationFailed,
		StatusCrossChainStuck,
	},
	StatusCrossChainStuck: {
		StatusCrossChainFundsReleased,
		StatusCancelled,
		StatusCompleted,
	},
}

// InitialStatus returns the status a new deal starts in: the counterparty of
// the initiator reviews first.
func InitialStatus(initiatedBy Party) DealStatus {
	if initiatedBy == PartySeller {
		return StatusPendingBuyerReview
	}
	return StatusPendingSellerReview
}

func IsTerminal(s DealStatus) bool {
	return terminalStatuses[s]
}

func IsValidStatus(s DealStatus) bool {
	if terminalStatuses[s] {
		return true
	}
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the edge from -> to exists in the graph.
// Self-transitions are allowed for non-terminal states so that idempotent
// status syncs can still append a timeline entry.
func CanTransition(from, to DealStatus) bool {
	if from == to {
		return !terminalStatuses[from]
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarksFundsDeposited reports whether syncing to this status implies the
// buyer's funds are locked in escrow.
func MarksFundsDeposited(s DealStatus) bool {
	return s == StatusInEscrow || s == StatusAwaitingConditionFulfillment || s == StatusInFinalApproval
}
