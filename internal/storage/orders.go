package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// OrderRecord is one closed order as persisted in the history table.
type OrderRecord struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	FromCurrency string `json:"from_currency"`
	FromAmount   uint64 `json:"from_amount"`
	ToCurrency   string `json:"to_currency"`
	ToAmount     uint64 `json:"to_amount"`
	FromAddress  string `json:"from_address"`
	ToAddress    string `json:"to_address"`
	State        string `json:"state"`
	Reason       uint32 `json:"reason"`
	DepositTxID  string `json:"deposit_txid,omitempty"`
	RefundTxID   string `json:"refund_txid,omitempty"`
	PaymentTxID  string `json:"payment_txid,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ClosedAt     int64  `json:"closed_at"`
}

// SaveOrder upserts a closed order into the history.
func (s *Storage) SaveOrder(rec *OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ClosedAt == 0 {
		rec.ClosedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(`
		INSERT INTO orders (id, role, from_currency, from_amount, to_currency, to_amount,
			from_address, to_address, state, reason, deposit_txid, refund_txid, payment_txid,
			created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			deposit_txid = excluded.deposit_txid,
			refund_txid = excluded.refund_txid,
			payment_txid = excluded.payment_txid,
			closed_at = excluded.closed_at`,
		rec.ID, rec.Role, rec.FromCurrency, rec.FromAmount, rec.ToCurrency, rec.ToAmount,
		rec.FromAddress, rec.ToAddress, rec.State, rec.Reason,
		rec.DepositTxID, rec.RefundTxID, rec.PaymentTxID,
		rec.CreatedAt, rec.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder returns one order from the history, or nil if absent.
func (s *Storage) GetOrder(id string) (*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &OrderRecord{}
	err := s.db.QueryRow(`
		SELECT id, role, from_currency, from_amount, to_currency, to_amount,
			from_address, to_address, state, reason,
			COALESCE(deposit_txid, ''), COALESCE(refund_txid, ''), COALESCE(payment_txid, ''),
			created_at, closed_at
		FROM orders WHERE id = ?`, id).Scan(
		&rec.ID, &rec.Role, &rec.FromCurrency, &rec.FromAmount, &rec.ToCurrency, &rec.ToAmount,
		&rec.FromAddress, &rec.ToAddress, &rec.State, &rec.Reason,
		&rec.DepositTxID, &rec.RefundTxID, &rec.PaymentTxID,
		&rec.CreatedAt, &rec.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return rec, nil
}

// ListOrders returns up to limit history entries, newest first.
func (s *Storage) ListOrders(limit int) ([]*OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, role, from_currency, from_amount, to_currency, to_amount,
			from_address, to_address, state, reason,
			COALESCE(deposit_txid, ''), COALESCE(refund_txid, ''), COALESCE(payment_txid, ''),
			created_at, closed_at
		FROM orders ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var records []*OrderRecord
	for rows.Next() {
		rec := &OrderRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Role, &rec.FromCurrency, &rec.FromAmount, &rec.ToCurrency, &rec.ToAmount,
			&rec.FromAddress, &rec.ToAddress, &rec.State, &rec.Reason,
			&rec.DepositTxID, &rec.RefundTxID, &rec.PaymentTxID,
			&rec.CreatedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordTrade appends a completed swap to the trade log.
func (s *Storage) RecordTrade(orderID, fromCurrency string, fromAmount uint64,
	toCurrency string, toAmount uint64) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO trades (order_id, from_currency, from_amount, to_currency, to_amount, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		orderID, fromCurrency, fromAmount, toCurrency, toAmount, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// TradeCount returns the number of logged trades.
func (s *Storage) TradeCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return n, nil
}
