package storage

import (
	"fmt"
	"time"
)

// AddressEntry maps a trader's wire address to the transport peer last seen
// serving it.
type AddressEntry struct {
	Address  string `json:"address"`
	PeerID   string `json:"peer_id"`
	LastSeen int64  `json:"last_seen"`
}

// SaveAddresses upserts a batch of address book entries.
func (s *Storage) SaveAddresses(entries []AddressEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin address save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO address_book (address, peer_id, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			peer_id = excluded.peer_id,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("failed to prepare address save: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, e := range entries {
		seen := e.LastSeen
		if seen == 0 {
			seen = now
		}
		if _, err := stmt.Exec(e.Address, e.PeerID, seen); err != nil {
			return fmt.Errorf("failed to save address %s: %w", e.Address, err)
		}
	}
	return tx.Commit()
}

// LoadAddresses returns the full address book.
func (s *Storage) LoadAddresses() ([]AddressEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT address, peer_id, last_seen FROM address_book`)
	if err != nil {
		return nil, fmt.Errorf("failed to load addresses: %w", err)
	}
	defer rows.Close()

	var entries []AddressEntry
	for rows.Next() {
		var e AddressEntry
		if err := rows.Scan(&e.Address, &e.PeerID, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneAddresses drops address book entries not seen since cutoff.
func (s *Storage) PruneAddresses(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM address_book WHERE last_seen < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune addresses: %w", err)
	}
	return res.RowsAffected()
}
