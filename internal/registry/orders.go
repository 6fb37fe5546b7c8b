package registry

import (
	"context"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
)

// ClaimOrder records orderID in the processed-order ledger. It returns false
// when the order was already claimed, so a replayed webhook is skipped.
func (r *Registry) ClaimOrder(ctx context.Context, orderID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_orders (order_id, outcome, processed_at) VALUES (?, 'processing', ?)
		ON CONFLICT(order_id) DO NOTHING`, orderID, at.Unix())
	if err != nil {
		return false, internalerrors.WrapStorageError("claim_order", "", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, internalerrors.WrapStorageError("claim_order", "", err)
	}
	return affected == 1, nil
}

// CompleteOrder stores the final outcome of a claimed order.
func (r *Registry) CompleteOrder(ctx context.Context, orderID, outcome string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE processed_orders SET outcome = ? WHERE order_id = ?`, outcome, orderID)
	if err != nil {
		return internalerrors.WrapStorageError("complete_order", "", err)
	}
	return nil
}

// ReleaseOrder removes a claim so a failed order can be delivered again.
func (r *Registry) ReleaseOrder(ctx context.Context, orderID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM processed_orders WHERE order_id = ?`, orderID)
	if err != nil {
		return internalerrors.WrapStorageError("release_order", "", err)
	}
	return nil
}

// OrderOutcome returns the stored outcome of a processed order, or "" when
// the order has not been seen.
func (r *Registry) OrderOutcome(ctx context.Context, orderID string) (string, error) {
	var outcome string
	err := r.db.QueryRowContext(ctx, `SELECT outcome FROM processed_orders WHERE order_id = ?`, orderID).Scan(&outcome)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", internalerrors.WrapStorageError("order_outcome", "", err)
	}
	return outcome, nil
}
