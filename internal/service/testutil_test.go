package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/model"
	"github.com/clearhold/escrow-backend/internal/repository"
)

// memStore is an in-memory DealStore + CrossChainStore + UserDirectory with
// the same commit-on-success semantics as the Postgres repository.
type memStore struct {
	mu    sync.Mutex
	deals map[string]*model.Deal
	txs   map[string]*model.CrossChainTransaction
	users map[string]*model.User
}

func newMemStore() *memStore {
	return &memStore{
		deals: make(map[string]*model.Deal),
		txs:   make(map[string]*model.CrossChainTransaction),
		users: make(map[string]*model.User),
	}
}

func cloneDeal(d *model.Deal) *model.Deal {
	raw, _ := json.Marshal(d)
	out := &model.Deal{}
	_ = json.Unmarshal(raw, out)
	return out
}

func cloneTx(t *model.CrossChainTransaction) *model.CrossChainTransaction {
	raw, _ := json.Marshal(t)
	out := &model.CrossChainTransaction{}
	_ = json.Unmarshal(raw, out)
	return out
}

func (s *memStore) Create(ctx context.Context, d *model.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = cloneDeal(d)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*model.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, apperr.NotFound("deal not found")
	}
	return cloneDeal(d), nil
}

func (s *memStore) ListByParticipant(ctx context.Context, principalID string, limit, offset int) ([]*model.Deal, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Deal
	for _, d := range s.deals {
		if d.IsParticipant(principalID) {
			out = append(out, cloneDeal(d))
		}
	}
	return out, int64(len(out)), nil
}

type memTxn struct {
	store   *memStore
	deal    *model.Deal
	ccTx    *model.CrossChainTransaction
	dirty   bool
	txDirty bool
}

func (t *memTxn) Deal() *model.Deal { return t.deal }
func (t *memTxn) MarkDealDirty()    { t.dirty = true }
func (t *memTxn) MarkTxDirty()      { t.txDirty = true }

func (t *memTxn) AppendTimeline(ev model.TimelineEvent) {
	t.deal.Timeline = append(t.deal.Timeline, ev)
	t.dirty = true
}

func (t *memTxn) CrossChainTx(ctx context.Context) (*model.CrossChainTransaction, error) {
	if t.ccTx != nil {
		return t.ccTx, nil
	}
	if t.deal.CrossChainTransactionID == "" {
		return nil, apperr.NotFound("deal has no cross-chain transaction")
	}
	tx, ok := t.store.txs[t.deal.CrossChainTransactionID]
	if !ok {
		return nil, apperr.NotFound("cross-chain transaction not found")
	}
	t.ccTx = cloneTx(tx)
	return t.ccTx, nil
}

func (s *memStore) Transact(ctx context.Context, dealID string, fn func(repository.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.deals[dealID]
	if !ok {
		return apperr.NotFound("deal not found")
	}
	txn := &memTxn{store: s, deal: cloneDeal(stored)}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.dirty {
		txn.deal.UpdatedAt = time.Now().UTC()
		s.deals[dealID] = txn.deal
	}
	if txn.txDirty && txn.ccTx != nil {
		txn.ccTx.UpdatedAt = time.Now().UTC()
		s.txs[txn.ccTx.ID] = txn.ccTx
	}
	return nil
}

func (s *memStore) matchingDeals(match func(*model.Deal) bool) []*model.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Deal
	for _, d := range s.deals {
		if match(d) {
			out = append(out, cloneDeal(d))
		}
	}
	return out
}

func (s *memStore) DealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return s.matchingDeals(func(d *model.Deal) bool {
		return d.Status == model.StatusInFinalApproval && !d.IsCrossChain &&
			d.FinalApprovalDeadline != nil && d.FinalApprovalDeadline.Before(now)
	}), nil
}

func (s *memStore) DealsPastDisputeDeadline(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return s.matchingDeals(func(d *model.Deal) bool {
		return d.Status == model.StatusInDispute && !d.IsCrossChain &&
			d.DisputeResolutionDeadline != nil && d.DisputeResolutionDeadline.Before(now)
	}), nil
}

func (s *memStore) CrossChainDealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return s.matchingDeals(func(d *model.Deal) bool {
		return d.Status == model.StatusInFinalApproval && d.IsCrossChain &&
			d.FinalApprovalDeadline != nil && d.FinalApprovalDeadline.Before(now)
	}), nil
}

func (s *memStore) CrossChainDealsStuck(ctx context.Context, notUpdatedSince time.Time) ([]*model.Deal, error) {
	return s.matchingDeals(func(d *model.Deal) bool {
		return d.IsCrossChain && !model.IsTerminal(d.Status) &&
			d.Status != model.StatusCrossChainStuck && d.UpdatedAt.Before(notUpdatedSince)
	}), nil
}

// CrossChainStore side.

func (s *memStore) CreateTx(ctx context.Context, t *model.CrossChainTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[t.ID] = cloneTx(t)
	return nil
}

func (s *memStore) GetTxByID(ctx context.Context, id string) (*model.CrossChainTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, apperr.NotFound("cross-chain transaction not found")
	}
	return cloneTx(t), nil
}

func (s *memStore) GetByDealID(ctx context.Context, dealID string) (*model.CrossChainTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.DealID == dealID {
			return cloneTx(t), nil
		}
	}
	return nil, apperr.NotFound("cross-chain transaction not found")
}

func (s *memStore) PendingStatusCheck(ctx context.Context, olderThan time.Time) ([]*model.CrossChainTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CrossChainTransaction
	for _, t := range s.txs {
		moving := t.Status == model.TxPrepared || t.Status == model.TxInProgress
		if moving && (t.LastStatusCheck == nil || t.LastStatusCheck.Before(olderThan)) {
			out = append(out, cloneTx(t))
		}
	}
	return out, nil
}

// txStoreAdapter exposes memStore under the CrossChainStore method names.
type txStoreAdapter struct{ *memStore }

func (a txStoreAdapter) Create(ctx context.Context, t *model.CrossChainTransaction) error {
	return a.CreateTx(ctx, t)
}

func (a txStoreAdapter) GetByID(ctx context.Context, id string) (*model.CrossChainTransaction, error) {
	return a.GetTxByID(ctx, id)
}

// UserDirectory side.

func (s *memStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return u, nil
}

func (s *memStore) addUser(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(email)] = &model.User{ID: id, Email: strings.ToLower(email), CreatedAt: time.Now().UTC()}
}

// deployerStub lets tests script deployment outcomes.
type deployerStub struct {
	deployFn func(ctx context.Context, p chain.DeployParams) (*chain.DeployResult, error)
}

func (d *deployerStub) Deploy(ctx context.Context, p chain.DeployParams) (*chain.DeployResult, error) {
	if d.deployFn != nil {
		return d.deployFn(ctx, p)
	}
	return &chain.DeployResult{ContractAddress: "0x000000000000000000000000000000000000dEaD", DeployTxHash: "0xdeploy"}, nil
}

// callerStub scripts the chain client write surface.
type callerStub struct {
	mu     sync.Mutex
	ready  bool
	sendFn func(ctx context.Context, contractAddr, method string, args ...interface{}) (string, error)
	calls  []string
}

func (c *callerStub) Ready() bool { return c.ready }

func (c *callerStub) SendContractCall(ctx context.Context, contractAddr, method string, args ...interface{}) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.mu.Unlock()
	if c.sendFn != nil {
		return c.sendFn(ctx, contractAddr, method, args...)
	}
	return "0xtxhash", nil
}

func (c *callerStub) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
