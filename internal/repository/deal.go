package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clearhold/escrow-backend/internal/apperr"
	"github.com/clearhold/escrow-backend/internal/model"
)

// Txn is the handle a Transact closure works through. Reads inside the
// closure see staged writes; everything commits atomically or not at all.
type Txn interface {
	// Deal returns the row-locked deal. Mutate it freely, then call
	// MarkDealDirty to stage the write.
	Deal() *model.Deal
	MarkDealDirty()
	// CrossChainTx loads and row-locks the deal's linked transaction.
	CrossChainTx(ctx context.Context) (*model.CrossChainTransaction, error)
	MarkTxDirty()
	// AppendTimeline stages one audit entry. The timeline is append-only;
	// this is the only write path into it.
	AppendTimeline(ev model.TimelineEvent)
}

type DealRepository struct {
	db *PostgresDB
}

func NewDealRepository(db *PostgresDB) *DealRepository {
	return &DealRepository{db: db}
}

const dealColumns = `
	id, buyer_id, seller_id, buyer_wallet, seller_wallet, initiated_by,
	property_address, amount::text, buyer_network, seller_network,
	is_cross_chain, smart_contract_address, status, conditions,
	final_approval_deadline, dispute_resolution_deadline,
	funds_deposited_by_buyer, funds_released_to_seller,
	cross_chain_transaction_id, processing_error, timeline,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*model.Deal, error) {
	d := &model.Deal{}
	var amount string
	var conditions, timeline []byte
	err := row.Scan(
		&d.ID, &d.BuyerID, &d.SellerID, &d.BuyerWallet, &d.SellerWallet, &d.InitiatedBy,
		&d.PropertyAddress, &amount, &d.BuyerNetwork, &d.SellerNetwork,
		&d.IsCrossChain, &d.SmartContractAddress, &d.Status, &conditions,
		&d.FinalApprovalDeadline, &d.DisputeResolutionDeadline,
		&d.FundsDepositedByBuyer, &d.FundsReleasedToSeller,
		&d.CrossChainTransactionID, &d.ProcessingError, &timeline,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	var ok bool
	if d.Amount, ok = model.NewBigIntFromString(amount); !ok {
		return nil, apperr.Internal("corrupt amount on deal "+d.ID, nil)
	}
	if err := json.Unmarshal(conditions, &d.Conditions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(timeline, &d.Timeline); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DealRepository) Create(ctx context.Context, d *model.Deal) error {
	conditions, err := json.Marshal(d.Conditions)
	if err != nil {
		return err
	}
	timeline, err := json.Marshal(d.Timeline)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO deals (
			id, buyer_id, seller_id, buyer_wallet, seller_wallet, initiated_by,
			property_address, amount, buyer_network, seller_network,
			is_cross_chain, smart_contract_address, status, conditions,
			final_approval_deadline, dispute_resolution_deadline,
			funds_deposited_by_buyer, funds_released_to_seller,
			cross_chain_transaction_id, processing_error, timeline,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		d.ID, d.BuyerID, d.SellerID, d.BuyerWallet, d.SellerWallet, d.InitiatedBy,
		d.PropertyAddress, d.Amount.String(), d.BuyerNetwork, d.SellerNetwork,
		d.IsCrossChain, d.SmartContractAddress, d.Status, conditions,
		d.FinalApprovalDeadline, d.DisputeResolutionDeadline,
		d.FundsDepositedByBuyer, d.FundsReleasedToSeller,
		d.CrossChainTransactionID, d.ProcessingError, timeline,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (r *DealRepository) GetByID(ctx context.Context, id string) (*model.Deal, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("deal not found")
	}
	return d, err
}

func (r *DealRepository) ListByParticipant(ctx context.Context, principalID string, limit, offset int) ([]*model.Deal, int64, error) {
	countQuery := `SELECT COUNT(*) FROM deals WHERE buyer_id = $1 OR seller_id = $1`
	var total int64
	if err := r.db.Pool.QueryRow(ctx, countQuery, principalID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + dealColumns + `
		FROM deals
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, query, principalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var deals []*model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, 0, err
		}
		deals = append(deals, d)
	}
	return deals, total, rows.Err()
}

// Transact runs fn against a row-locked view of the deal and commits staged
// writes atomically. Concurrent Transact calls on the same deal serialize on
// the row lock, so a closure sees either all or none of a concurrent
// committer's effects.
func (r *DealRepository) Transact(ctx context.Context, dealID string, fn func(Txn) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return apperr.Internal("beginning deal transaction", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, dealID)
	deal, err := scanDeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("deal not found")
	}
	if err != nil {
		return err
	}

	txn := &pgTxn{tx: tx, deal: deal}
	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.flush(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTxn struct {
	tx        pgx.Tx
	deal      *model.Deal
	ccTx      *model.CrossChainTransaction
	dealDirty bool
	txDirty   bool
}

func (t *pgTxn) Deal() *model.Deal { return t.deal }

func (t *pgTxn) MarkDealDirty() { t.dealDirty = true }

func (t *pgTxn) MarkTxDirty() { t.txDirty = true }

func (t *pgTxn) AppendTimeline(ev model.TimelineEvent) {
	t.deal.Timeline = append(t.deal.Timeline, ev)
	t.dealDirty = true
}

func (t *pgTxn) CrossChainTx(ctx context.Context) (*model.CrossChainTransaction, error) {
	if t.ccTx != nil {
		return t.ccTx, nil
	}
	if t.deal.CrossChainTransactionID == "" {
		return nil, apperr.NotFound("deal has no cross-chain transaction")
	}
	row := t.tx.QueryRow(ctx, `SELECT `+crossChainColumns+`
		FROM cross_chain_transactions WHERE id = $1 FOR UPDATE`,
		t.deal.CrossChainTransactionID)
	ccTx, err := scanCrossChainTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("cross-chain transaction not found")
	}
	if err != nil {
		return nil, err
	}
	t.ccTx = ccTx
	return ccTx, nil
}

func (t *pgTxn) flush(ctx context.Context) error {
	now := time.Now().UTC()
	if t.dealDirty {
		conditions, err := json.Marshal(t.deal.Conditions)
		if err != nil {
			return err
		}
		timeline, err := json.Marshal(t.deal.Timeline)
		if err != nil {
			return err
		}
		t.deal.UpdatedAt = now
		_, err = t.tx.Exec(ctx, `
			UPDATE deals SET
				smart_contract_address = $2, status = $3, conditions = $4,
				final_approval_deadline = $5, dispute_resolution_deadline = $6,
				funds_deposited_by_buyer = $7, funds_released_to_seller = $8,
				cross_chain_transaction_id = $9, processing_error = $10,
				timeline = $11, updated_at = $12
			WHERE id = $1`,
			t.deal.ID, t.deal.SmartContractAddress, t.deal.Status, conditions,
			t.deal.FinalApprovalDeadline, t.deal.DisputeResolutionDeadline,
			t.deal.FundsDepositedByBuyer, t.deal.FundsReleasedToSeller,
			t.deal.CrossChainTransactionID, t.deal.ProcessingError,
			timeline, t.deal.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	if t.txDirty && t.ccTx != nil {
		steps, err := json.Marshal(t.ccTx.Steps)
		if err != nil {
			return err
		}
		bridgeInfo, err := marshalBridgeInfo(t.ccTx.BridgeInfo)
		if err != nil {
			return err
		}
		t.ccTx.UpdatedAt = now
		_, err = t.tx.Exec(ctx, `
			UPDATE cross_chain_transactions SET
				bridge_info = $2, steps = $3, status = $4,
				last_status_check = $5, updated_at = $6
			WHERE id = $1`,
			t.ccTx.ID, bridgeInfo, steps, t.ccTx.Status,
			t.ccTx.LastStatusCheck, t.ccTx.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Scheduler queries. All exclude terminal states by construction of the
// status filters.

func (r *DealRepository) DealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return r.queryDeals(ctx, `SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND is_cross_chain = FALSE
		  AND final_approval_deadline IS NOT NULL AND final_approval_deadline < $2`,
		model.StatusInFinalApproval, now)
}

func (r *DealRepository) DealsPastDisputeDeadline(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return r.queryDeals(ctx, `SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND is_cross_chain = FALSE
		  AND dispute_resolution_deadline IS NOT NULL AND dispute_resolution_deadline < $2`,
		model.StatusInDispute, now)
}

func (r *DealRepository) CrossChainDealsPastFinalApproval(ctx context.Context, now time.Time) ([]*model.Deal, error) {
	return r.queryDeals(ctx, `SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND is_cross_chain = TRUE
		  AND final_approval_deadline IS NOT NULL AND final_approval_deadline < $2`,
		model.StatusInFinalApproval, now)
}

func (r *DealRepository) CrossChainDealsStuck(ctx context.Context, notUpdatedSince time.Time) ([]*model.Deal, error) {
	return r.queryDeals(ctx, `SELECT `+dealColumns+`
		FROM deals
		WHERE is_cross_chain = TRUE
		  AND status NOT IN ($1, $2, $3, $4, $5)
		  AND updated_at < $6`,
		model.StatusCompleted, model.StatusCancelled,
		model.StatusCrossChainFundsReleased,
		model.StatusCrossChainCancelledAfterDisputeDeadline,
		model.StatusCrossChainStuck,
		notUpdatedSince)
}

func (r *DealRepository) queryDeals(ctx context.Context, query string, args ...any) ([]*model.Deal, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []*model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}
