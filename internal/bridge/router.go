// Package bridge abstracts cross-chain route discovery, execution, and
// status polling behind the Router interface. The core never assumes a
// particular bridge implementation.
package bridge

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
)

// BridgeStatus is the aggregator-level state of one execution.
type BridgeStatus string

const (
	StatusDone    BridgeStatus = "DONE"
	StatusPending BridgeStatus = "PENDING"
	StatusFailed  BridgeStatus = "FAILED"
	StatusUnknown BridgeStatus = "UNKNOWN"
)

// RouteStep is one leg of a planned route.
type RouteStep struct {
	Type        string `json:"type"`
	Tool        string `json:"tool,omitempty"`
	Description string `json:"description"`
}

// Route is a planned sequence of steps realizing one bridge operation.
// Confidence is a score in [30, 100].
type Route struct {
	Bridge           string          `json:"bridge"`
	Steps            []RouteStep     `json:"steps"`
	EstimatedSeconds int             `json:"estimatedSeconds"`
	FeeUSD           float64         `json:"feeUsd"`
	Confidence       float64         `json:"confidence"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// RouteRequest describes the transfer a route is planned for.
type RouteRequest struct {
	FromAddress   string
	ToAddress     string
	SourceNetwork chain.Network
	TargetNetwork chain.Network
	TokenAddress  string
	Amount        *big.Int
}

// StatusUpdate is delivered to the OnStatusUpdate callback as a bridge
// execution progresses.
type StatusUpdate struct {
	ExecutionID string
	Status      BridgeStatus
	Substatus   string
	TxHash      string
}

// ExecuteCallbacks is the narrow surface the core hands to a router during
// execution. Chain switching is advisory only; a server-side router refuses
// all switches, so no hook is exposed for it.
type ExecuteCallbacks struct {
	OnStatusUpdate func(StatusUpdate)
	OnError        func(error)
}

type ExecuteResult struct {
	ExecutionID   string
	InitialTxHash string
}

// StatusResult reports the polled state of one execution.
type StatusResult struct {
	Status       BridgeStatus
	Substatus    string
	SourceTxHash string
	TargetTxHash string
}

// Router is the bridge aggregator capability surface.
type Router interface {
	// PlanRoute returns the optimal route for the request, or an error of
	// kind NoRoute when no bridge can serve it.
	PlanRoute(ctx context.Context, req RouteRequest) (*Route, error)
	// Execute starts the route and reports progress through callbacks.
	Execute(ctx context.Context, route *Route, cb ExecuteCallbacks) (*ExecuteResult, error)
	// Status polls one execution.
	Status(ctx context.Context, executionID string) (*StatusResult, error)
}

// Weighted scoring for route ranking.
const (
	weightConfidence = 0.4
	weightTime       = 0.3
	weightFee        = 0.3

	minConfidence = 30.0
	maxConfidence = 100.0
)

func clampConfidence(c float64) float64 {
	if c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

// rankRoutes picks the best route by weighted score: confidence 0.4, time
// 0.3, fee 0.3. Time and fee are normalized against the worst candidate so
// cheaper and faster score higher.
func rankRoutes(routes []*Route) *Route {
	if len(routes) == 0 {
		return nil
	}
	maxTime, maxFee := 1.0, 1.0
	for _, r := range routes {
		if float64(r.EstimatedSeconds) > maxTime {
			maxTime = float64(r.EstimatedSeconds)
		}
		if r.FeeUSD > maxFee {
			maxFee = r.FeeUSD
		}
	}

	var best *Route
	bestScore := -1.0
	for _, r := range routes {
		confidence := clampConfidence(r.Confidence) / maxConfidence
		timeScore := 1.0 - float64(r.EstimatedSeconds)/maxTime
		feeScore := 1.0 - r.FeeUSD/maxFee
		score := weightConfidence*confidence + weightTime*timeScore + weightFee*feeScore
		if score > bestScore {
			bestScore = score
			best = r
		}
	}
	return best
}

// resolveToken validates the requested token on the source network,
// substituting the wrapped-native address for native transfers.
func resolveToken(req RouteRequest) (string, error) {
	if !chain.IsEVM(req.SourceNetwork) {
		return req.TokenAddress, nil
	}
	if req.TokenAddress == "" {
		wrapped, ok := chain.WrappedNative(req.SourceNetwork)
		if !ok {
			return "", apperr.Newf(apperr.KindInvalidArgument, "no wrapped native token for %s", req.SourceNetwork)
		}
		return wrapped, nil
	}
	if !chain.IsKnownToken(req.SourceNetwork, req.TokenAddress) {
		return "", apperr.Newf(apperr.KindInvalidArgument, "token %s not known on %s", req.TokenAddress, req.SourceNetwork)
	}
	return req.TokenAddress, nil
}

// trivialRoute is the 1-step route for same-network EVM transfers; no bridge
// is involved.
func trivialRoute(req RouteRequest) *Route {
	return &Route{
		Bridge:           "direct",
		EstimatedSeconds: 30,
		FeeUSD:           0,
		Confidence:       maxConfidence,
		Steps: []RouteStep{
			{Type: "transfer", Description: "Direct on-network transfer, no bridge required"},
		},
	}
}

func validateRouteRequest(req RouteRequest) error {
	if !chain.IsSupported(req.SourceNetwork) {
		return apperr.Newf(apperr.KindInvalidArgument, "unsupported source network: %s", req.SourceNetwork)
	}
	if !chain.IsSupported(req.TargetNetwork) {
		return apperr.Newf(apperr.KindInvalidArgument, "unsupported target network: %s", req.TargetNetwork)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return apperr.InvalidArgument("transfer amount must be positive")
	}
	return nil
}
