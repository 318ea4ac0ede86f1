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

type CrossChainRepository struct {
	db *PostgresDB
}

func NewCrossChainRepository(db *PostgresDB) *CrossChainRepository {
	return &CrossChainRepository{db: db}
}

const crossChainColumns = `
	id, deal_id, from_address, to_address, amount::text,
	source_network, target_network, bridge_info, steps, status,
	last_status_check, created_at, updated_at`

func marshalBridgeInfo(info *model.BridgeInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	return json.Marshal(info)
}

func scanCrossChainTx(row rowScanner) (*model.CrossChainTransaction, error) {
	t := &model.CrossChainTransaction{}
	var amount string
	var bridgeInfo, steps []byte
	err := row.Scan(
		&t.ID, &t.DealID, &t.FromAddress, &t.ToAddress, &amount,
		&t.SourceNetwork, &t.TargetNetwork, &bridgeInfo, &steps, &t.Status,
		&t.LastStatusCheck, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	var ok bool
	if t.Amount, ok = model.NewBigIntFromString(amount); !ok {
		return nil, apperr.Internal("corrupt amount on transaction "+t.ID, nil)
	}
	if len(bridgeInfo) > 0 {
		t.BridgeInfo = &model.BridgeInfo{}
		if err := json.Unmarshal(bridgeInfo, t.BridgeInfo); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *CrossChainRepository) Create(ctx context.Context, t *model.CrossChainTransaction) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return err
	}
	bridgeInfo, err := marshalBridgeInfo(t.BridgeInfo)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO cross_chain_transactions (
			id, deal_id, from_address, to_address, amount,
			source_network, target_network, bridge_info, steps, status,
			last_status_check, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		t.ID, t.DealID, t.FromAddress, t.ToAddress, t.Amount.String(),
		t.SourceNetwork, t.TargetNetwork, bridgeInfo, steps, t.Status,
		t.LastStatusCheck, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *CrossChainRepository) GetByID(ctx context.Context, id string) (*model.CrossChainTransaction, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+crossChainColumns+`
		FROM cross_chain_transactions WHERE id = $1`, id)
	t, err := scanCrossChainTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("cross-chain transaction not found")
	}
	return t, err
}

func (r *CrossChainRepository) GetByDealID(ctx context.Context, dealID string) (*model.CrossChainTransaction, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+crossChainColumns+`
		FROM cross_chain_transactions WHERE deal_id = $1
		ORDER BY created_at DESC LIMIT 1`, dealID)
	t, err := scanCrossChainTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("cross-chain transaction not found")
	}
	return t, err
}

// PendingStatusCheck returns transactions still moving whose last poll is
// older than the cutoff (or that were never polled).
func (r *CrossChainRepository) PendingStatusCheck(ctx context.Context, olderThan time.Time) ([]*model.CrossChainTransaction, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+crossChainColumns+`
		FROM cross_chain_transactions
		WHERE status IN ($1, $2)
		  AND (last_status_check IS NULL OR last_status_check < $3)`,
		model.TxPrepared, model.TxInProgress, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*model.CrossChainTransaction
	for rows.Next() {
		t, err := scanCrossChainTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
