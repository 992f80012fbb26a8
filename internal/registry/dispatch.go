package registry

import (
	"context"
	"fmt"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
)

// OnMessageReceived is the transport entry point for a packet addressed to
// this node. peerID names the delivering transport peer; it feeds the
// address book once the packet verifies.
func (r *Registry) OnMessageReceived(data []byte, peerID string) error {
	return r.ingest(data, peerID)
}

// OnBroadcastReceived is the transport entry point for gossiped packets.
func (r *Registry) OnBroadcastReceived(data []byte, peerID string) error {
	return r.ingest(data, peerID)
}

// ingest parses, dedups and queues one packet. Malformed and repeated
// packets stop here; everything else is handled by the worker pool.
func (r *Registry) ingest(data []byte, peerID string) error {
	pkt, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	if r.dedup.Mark(pkt.Hash()) {
		return nil
	}

	select {
	case r.queue <- pkt:
	default:
		r.log.Warn("dispatch queue full, packet dropped", "command", pkt.Command)
		return fmt.Errorf("dispatch queue full")
	}

	// A verified sender key maps its 20-byte key id to the peer. The
	// mapping lets unicast replies reach traders across the mesh.
	if peerID != "" && pkt.Verify() {
		r.RecordAddress(protocol.AddressFromBytes(wallet.KeyID(pkt.PubKey[:])), peerID)
	}
	return nil
}

// requeue feeds a previously parked packet straight back to the workers.
func (r *Registry) requeue(pkt *protocol.Packet) {
	select {
	case r.queue <- pkt:
	default:
		r.log.Warn("dispatch queue full, parked packet dropped", "command", pkt.Command)
	}
}

// worker drains the dispatch queue through the protocol engine.
func (r *Registry) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-r.queue:
			if err := r.sess.ProcessPacket(pkt); err != nil {
				r.log.Debug("packet rejected", "command", pkt.Command, "error", err)
			}
		}
	}
}
