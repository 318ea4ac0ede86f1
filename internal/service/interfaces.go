// Package service holds the deal lifecycle state machine, the cross-chain
// transaction engine, and the deadline scheduler. Collaborators are consumed
// through narrow interfaces so tests can substitute them.
package service

import (
	"context"
	"time"

	"github.com/clearhold/escrow-backend/internal/chain"
	"github.com/clearhold/escrow-backend/internal/model"
	"github.com/clearhold/escrow-backend/internal/repository"
)

// DealStore is the persistence surface the services need for deals.
// *repository.DealRepository implements it.
type DealStore interface {
	Create(ctx context.Context, d *model.Deal) error
	GetByID(ctx context.Context, id string) (*model.Deal, error)
	ListByParticipant(ctx context.Context, principalID string, limit, offset int) ([]*model.Deal, int64, error)
	Transact(ctx context.Context, dealID string, fn func(repository.Txn) error) error

	DealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error)
	DealsPastDisputeDeadline(ctx context.Context, now time.Time) ([]*model.Deal, error)
	CrossChainDealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error)
	CrossChainDealsStuck(ctx context.Context, notUpdatedSince time.Time) ([]*model.Deal, error)
}

// CrossChainStore persists bridge transactions. *repository.CrossChainRepository
// implements it.
type CrossChainStore interface {
	Create(ctx context.Context, t *model.CrossChainTransaction) error
	GetByID(ctx context.Context, id string) (*model.CrossChainTransaction, error)
	GetByDealID(ctx context.Context, dealID string) (*model.CrossChainTransaction, error)
	PendingStatusCheck(ctx context.Context, olderThan time.Time) ([]*model.CrossChainTransaction, error)
}

// UserDirectory resolves counterparties. *repository.UserRepository
// implements it.
type UserDirectory interface {
	GetByEmail(ctx context.Context, email string) (*model.User, error)
}

// ContractCaller is the write surface of the chain client the deadline
// scheduler drives. *chain.Client implements it.
type ContractCaller interface {
	Ready() bool
	SendContractCall(ctx context.Context, contractAddr, method string, args ...interface{}) (string, error)
}

// EscrowDeployer deploys one escrow contract per deal. *chain.Deployer
// implements it.
type EscrowDeployer interface {
	Deploy(ctx context.Context, p chain.DeployParams) (*chain.DeployResult, error)
}

// Locker is an optional cluster-wide lease for the scheduler.
// *repository.RedisClient implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}
