package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
)

// MockRouter is a deterministic in-memory Router for test environments.
// Every execution completes on the first status poll unless FailRoutes or
// FailExecutions is set.
type MockRouter struct {
	mu             sync.Mutex
	executions     map[string]*StatusResult
	FailRoutes     bool
	FailExecutions bool
}

func NewMockRouter() *MockRouter {
	return &MockRouter{executions: make(map[string]*StatusResult)}
}

func (m *MockRouter) PlanRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := validateRouteRequest(req); err != nil {
		return nil, err
	}
	if m.FailRoutes {
		return nil, apperr.NoRoute(fmt.Sprintf("no bridge route from %s to %s", req.SourceNetwork, req.TargetNetwork))
	}
	if req.SourceNetwork == req.TargetNetwork && chain.IsEVM(req.SourceNetwork) {
		return trivialRoute(req), nil
	}
	return &Route{
		Bridge:           "wormhole",
		EstimatedSeconds: 300,
		FeeUSD:           2.5,
		Confidence:       90,
		Steps: []RouteStep{
			{Type: "lock", Tool: "wormhole", Description: "Lock funds on source network"},
			{Type: "bridge", Tool: "wormhole", Description: "Relay transfer across networks"},
			{Type: "claim", Tool: "wormhole", Description: "Claim funds on target network"},
		},
	}, nil
}

func (m *MockRouter) Execute(ctx context.Context, route *Route, cb ExecuteCallbacks) (*ExecuteResult, error) {
	if m.FailExecutions {
		err := apperr.BridgeUnavailable("mock execution failure", nil)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	id := "exec_" + uuid.New().String()[:8]
	txHash := "0xmock" + uuid.New().String()[:10]

	m.mu.Lock()
	m.executions[id] = &StatusResult{
		Status:       StatusDone,
		Substatus:    "COMPLETED",
		SourceTxHash: txHash,
		TargetTxHash: "0xmocktarget" + uuid.New().String()[:8],
	}
	m.mu.Unlock()

	if cb.OnStatusUpdate != nil {
		cb.OnStatusUpdate(StatusUpdate{ExecutionID: id, Status: StatusPending, TxHash: txHash})
	}
	return &ExecuteResult{ExecutionID: id, InitialTxHash: txHash}, nil
}

func (m *MockRouter) Status(ctx context.Context, executionID string) (*StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.executions[executionID]
	if !ok {
		return &StatusResult{Status: StatusUnknown}, nil
	}
	return res, nil
}
