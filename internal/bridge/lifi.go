package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
)

const defaultLiFiURL = "https://li.quest/v1"

// LiFiRouter talks to a LI.FI-compatible bridge aggregator over HTTPS.
type LiFiRouter struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewLiFiRouter(baseURL string) *LiFiRouter {
	if baseURL == "" {
		baseURL = defaultLiFiURL
	}
	return &LiFiRouter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logrus.WithField("component", "bridge_router"),
	}
}

// lifiRoute is the aggregator's route shape; only the fields the core ranks
// on are decoded, the rest rides along in Raw.
type lifiRoute struct {
	ID    string `json:"id"`
	Tool  string `json:"tool"`
	Steps []struct {
		Type string `json:"type"`
		Tool string `json:"tool"`
	} `json:"steps"`
	Estimate struct {
		ExecutionDuration int    `json:"executionDuration"`
		FeeCostsUSD       string `json:"feeCostsUSD"`
	} `json:"estimate"`
	Tags []string `json:"tags"`
}

type lifiRoutesResponse struct {
	Routes []json.RawMessage `json:"routes"`
}

func (r *LiFiRouter) PlanRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	if err := validateRouteRequest(req); err != nil {
		return nil, err
	}
	if req.SourceNetwork == req.TargetNetwork && chain.IsEVM(req.SourceNetwork) {
		return trivialRoute(req), nil
	}

	token, err := resolveToken(req)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"fromChain":   string(req.SourceNetwork),
		"toChain":     string(req.TargetNetwork),
		"fromToken":   token,
		"fromAmount":  req.Amount.String(),
		"fromAddress": req.FromAddress,
		"toAddress":   req.ToAddress,
	}

	var resp lifiRoutesResponse
	if err := r.post(ctx, "/advanced/routes", body, &resp); err != nil {
		return nil, apperr.BridgeUnavailable("route discovery failed", err)
	}
	if len(resp.Routes) == 0 {
		return nil, apperr.NoRoute(fmt.Sprintf("no bridge route from %s to %s", req.SourceNetwork, req.TargetNetwork))
	}

	candidates := make([]*Route, 0, len(resp.Routes))
	for _, raw := range resp.Routes {
		var lr lifiRoute
		if err := json.Unmarshal(raw, &lr); err != nil {
			continue
		}
		route := &Route{
			Bridge:           lr.Tool,
			EstimatedSeconds: lr.Estimate.ExecutionDuration,
			Confidence:       confidenceFromTags(lr.Tags),
			Raw:              raw,
		}
		fmt.Sscanf(lr.Estimate.FeeCostsUSD, "%f", &route.FeeUSD)
		for _, s := range lr.Steps {
			route.Steps = append(route.Steps, RouteStep{Type: s.Type, Tool: s.Tool, Description: s.Tool + " " + s.Type})
		}
		candidates = append(candidates, route)
	}
	best := rankRoutes(candidates)
	if best == nil {
		return nil, apperr.NoRoute("aggregator returned no usable routes")
	}
	return best, nil
}

// confidenceFromTags maps aggregator tags to the [30, 100] confidence scale.
func confidenceFromTags(tags []string) float64 {
	confidence := 60.0
	for _, t := range tags {
		switch t {
		case "RECOMMENDED":
			confidence = 95
		case "CHEAPEST", "FASTEST":
			if confidence < 80 {
				confidence = 80
			}
		}
	}
	return clampConfidence(confidence)
}

type lifiExecuteResponse struct {
	ExecutionID string `json:"executionId"`
	TxHash      string `json:"txHash"`
}

func (r *LiFiRouter) Execute(ctx context.Context, route *Route, cb ExecuteCallbacks) (*ExecuteResult, error) {
	body := map[string]interface{}{
		"route": json.RawMessage(route.Raw),
	}
	var resp lifiExecuteResponse
	if err := r.post(ctx, "/advanced/execute", body, &resp); err != nil {
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, apperr.BridgeUnavailable("bridge execution failed to start", err)
	}
	if cb.OnStatusUpdate != nil {
		cb.OnStatusUpdate(StatusUpdate{
			ExecutionID: resp.ExecutionID,
			Status:      StatusPending,
			Substatus:   "bridge execution started",
			TxHash:      resp.TxHash,
		})
	}
	return &ExecuteResult{ExecutionID: resp.ExecutionID, InitialTxHash: resp.TxHash}, nil
}

type lifiStatusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Sending   struct {
		TxHash string `json:"txHash"`
	} `json:"sending"`
	Receiving struct {
		TxHash string `json:"txHash"`
	} `json:"receiving"`
}

func (r *LiFiRouter) Status(ctx context.Context, executionID string) (*StatusResult, error) {
	var resp lifiStatusResponse
	endpoint := "/status?" + url.Values{"txHash": {executionID}}.Encode()
	if err := r.get(ctx, endpoint, &resp); err != nil {
		return nil, apperr.BridgeUnavailable("bridge status poll failed", err)
	}

	status := StatusUnknown
	switch resp.Status {
	case "DONE":
		status = StatusDone
	case "PENDING", "NOT_FOUND":
		status = StatusPending
	case "FAILED":
		status = StatusFailed
	}
	return &StatusResult{
		Status:       status,
		Substatus:    resp.Substatus,
		SourceTxHash: resp.Sending.TxHash,
		TargetTxHash: resp.Receiving.TxHash,
	}, nil
}

func (r *LiFiRouter) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

func (r *LiFiRouter) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	return r.do(req, out)
}

func (r *LiFiRouter) do(req *http.Request, out interface{}) error {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
