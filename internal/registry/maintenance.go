package registry

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// maintenanceLoop runs the periodic sweep: local and hub expiry, maker
// re-announcement, parked packet retry, rollback retry and the address
// book flush.
func (r *Registry) maintenanceLoop(ctx context.Context) {
	defer r.wg.Done()

	r.loadAddressBook()

	ticker := time.NewTicker(r.cfg.Maintenance.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Registry) tick() {
	r.expireRemote()
	r.sweepLocal()
	r.retryParked()
	r.sweepHub()
	r.flushAddressBook()
	r.pruneAddressBook()
}

// expireRemote drops stale hub announcements from the remote book.
func (r *Registry) expireRemote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, ro := range r.remote {
		if now.Sub(ro.LastSeen) > order.PendingTTL || now.Sub(ro.FirstSeen) > order.TTL {
			delete(r.remote, id)
		}
	}
}

// sweepLocal walks the in-flight legs: re-announce open maker orders,
// retry failed rollbacks and time out legs past the absolute TTL.
func (r *Registry) sweepLocal() {
	for _, d := range r.LocalOrders() {
		d.Lock()
		state := d.State
		role := d.Role
		age := time.Since(d.CreatedAt)
		idle := time.Since(d.UpdatedAt)
		d.Unlock()

		switch {
		case state.Terminal():
			continue

		case state == order.DescrRollbackFailed:
			if err := r.sess.RetryRollback(d); err != nil {
				r.log.Debug("rollback retry", "orderid", d.ID, "error", err)
			}

		case age > order.TTL:
			r.log.Warn("order timed out", "orderid", d.ID, "state", state)
			if err := r.sess.RequestCancel(d, protocol.ReasonTimeout); err != nil {
				r.log.Error("timeout cancel failed", "orderid", d.ID, "error", err)
			}

		case state == order.DescrNew && role == wallet.RoleMaker && idle > order.UpdateMinInterval:
			if err := r.sess.AnnounceOrder(d); err != nil {
				r.log.Debug("re-announce failed", "orderid", d.ID, "error", err)
			}
		}
	}
}

// retryParked re-feeds shelved packets whose precondition may now hold.
func (r *Registry) retryParked() {
	r.mu.Lock()
	parked := r.parked
	r.parked = make(map[chainhash.Hash][]*protocol.Packet)
	r.mu.Unlock()

	for id, pkts := range parked {
		if _, ok := r.Descriptor(id); !ok {
			continue
		}
		for _, pkt := range pkts {
			r.requeue(pkt)
		}
	}
}

// sweepHub expires hub-side orders and tells the network about the drops.
func (r *Registry) sweepHub() {
	if r.exch == nil {
		return
	}
	for _, id := range r.exch.ExpireOrders() {
		if err := r.sess.BroadcastHubCancel(id, protocol.ReasonTimeout); err != nil {
			r.log.Error("expiry cancel broadcast failed", "orderid", id, "error", err)
		}
	}
}
