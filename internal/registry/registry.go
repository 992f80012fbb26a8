// Package registry is the process-wide coordinator: it owns the wallet
// connectors, the local order descriptors, the remote order book mirror and
// the packet dispatch pool, and it runs the periodic maintenance sweep.
// One Registry per node.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/config"
	"github.com/crosshub-exchange/crosshub/internal/exchange"
	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/session"
	"github.com/crosshub-exchange/crosshub/internal/storage"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/helpers"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

// Registry errors.
var (
	ErrDuplicateOrder = errors.New("order id already tracked")
	ErrUnknownOrder   = errors.New("order not tracked")
	ErrNoFunds        = errors.New("not enough unlocked outputs")
)

// Limits on in-memory bookkeeping.
const (
	historicLimit   = 512
	remoteLimit     = 4096
	parkedPerOrder  = 16
	dedupLimit      = 8192
	queueSize       = 256
	eventBufferSize = 256

	// addressBookTTL bounds how long a persisted trader-to-peer mapping
	// survives without being seen on the wire.
	addressBookTTL = 7 * 24 * time.Hour
)

// RemoteOrder is an open order announced by a hub, available to accept.
type RemoteOrder struct {
	ID             chainhash.Hash
	SourceCurrency string
	SourceAmount   uint64
	DestCurrency   string
	DestAmount     uint64
	HubAddress     protocol.Address
	HubPubKey      []byte
	FirstSeen      time.Time
	LastSeen       time.Time
}

// OrderEvent is pushed to listeners whenever a local leg changes state.
type OrderEvent struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Registry wires the protocol engine to connectors, storage and transport.
type Registry struct {
	cfg *config.Config
	id  *config.Identity
	log *logging.Logger

	sess  *session.Session
	send  session.Sender
	exch  *exchange.Exchange
	store *storage.Storage

	mu          sync.RWMutex
	connectors  map[string]wallet.Connector
	descriptors map[chainhash.Hash]*order.Descriptor
	historic    []*order.Descriptor
	remote      map[chainhash.Hash]*RemoteOrder
	parked      map[chainhash.Hash][]*protocol.Packet
	addressBook map[protocol.Address]string
	bookDirty   bool

	// locks mirrors the hub-side table for the local wallet: outputs
	// pledged to an in-flight leg stay out of the next order's funding.
	locks *exchange.UtxoLockTable

	dedup  *dedupCache
	queue  chan *protocol.Packet
	events chan OrderEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry. exch is nil for trader-only nodes; store may be
// nil to run without persistence.
func New(cfg *config.Config, id *config.Identity, send session.Sender,
	exch *exchange.Exchange, store *storage.Storage, log *logging.Logger) *Registry {

	r := &Registry{
		cfg:         cfg,
		id:          id,
		log:         log.Component("registry"),
		send:        send,
		exch:        exch,
		store:       store,
		connectors:  make(map[string]wallet.Connector),
		descriptors: make(map[chainhash.Hash]*order.Descriptor),
		remote:      make(map[chainhash.Hash]*RemoteOrder),
		parked:      make(map[chainhash.Hash][]*protocol.Packet),
		addressBook: make(map[protocol.Address]string),
		locks:       exchange.NewUtxoLockTable(),
		dedup:       newDedupCache(dedupLimit),
		queue:       make(chan *protocol.Packet, queueSize),
		events:      make(chan OrderEvent, eventBufferSize),
	}
	r.sess = session.New(r, send, id, exch, log)
	return r
}

// Session exposes the protocol engine (for the rpc layer).
func (r *Registry) Session() *session.Session { return r.sess }

// Address returns the node's trading address.
func (r *Registry) Address() protocol.Address { return r.id.Address }

// Currencies lists the currencies with a registered connector.
func (r *Registry) Currencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for c := range r.connectors {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Exchange exposes the hub order book, nil on trader-only nodes.
func (r *Registry) Exchange() *exchange.Exchange { return r.exch }

// Events is the state-change feed consumed by the rpc event stream.
func (r *Registry) Events() <-chan OrderEvent { return r.events }

// AddConnector registers a wallet connector for its currency.
func (r *Registry) AddConnector(conn wallet.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[conn.Currency()] = conn
}

// Start launches the dispatch workers and the maintenance loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	workers := r.cfg.Maintenance.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.wg.Add(1)
	go r.maintenanceLoop(ctx)

	r.log.Info("registry started", "workers", workers, "hub", r.exch != nil)
}

// Stop shuts the workers down and flushes the address book.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.flushAddressBook()
	r.log.Info("registry stopped")
}

// ---------------------------------------------------------------------------
// session.Services

// Connector returns the connector for a currency code.
func (r *Registry) Connector(currency string) (wallet.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[currency]
	return conn, ok
}

// Descriptor returns the local descriptor for an order id.
func (r *Registry) Descriptor(id chainhash.Hash) (*order.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// TrackPendingOrder upserts a hub announcement into the remote book.
func (r *Registry) TrackPendingOrder(id chainhash.Hash,
	sourceCurrency string, sourceAmount uint64,
	destCurrency string, destAmount uint64,
	hubAddr protocol.Address, hubPubKey []byte) {

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if ro, ok := r.remote[id]; ok {
		ro.LastSeen = now
		return
	}
	if len(r.remote) >= remoteLimit {
		// Book full; drop the announcement rather than evict arbitrarily.
		return
	}
	r.remote[id] = &RemoteOrder{
		ID:             id,
		SourceCurrency: sourceCurrency,
		SourceAmount:   sourceAmount,
		DestCurrency:   destCurrency,
		DestAmount:     destAmount,
		HubAddress:     hubAddr,
		HubPubKey:      append([]byte(nil), hubPubKey...),
		FirstSeen:      now,
		LastSeen:       now,
	}
}

// ParkPacket shelves a packet for retry on the next maintenance tick.
func (r *Registry) ParkPacket(id chainhash.Hash, pkt *protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.parked[id]) >= parkedPerOrder {
		return
	}
	r.parked[id] = append(r.parked[id], pkt)
	r.log.Debug("packet parked", "orderid", id, "command", pkt.Command)
}

// DropParkedPackets discards shelved packets for an order.
func (r *Registry) DropParkedPackets(id chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.parked, id)
}

// UnlockLocalUtxos releases the wallet outputs pledged to an order.
func (r *Registry) UnlockLocalUtxos(id chainhash.Hash) {
	r.locks.Unlock(id)
}

// MoveToHistory retires a descriptor into the bounded history and persists
// it when storage is attached.
func (r *Registry) MoveToHistory(id chainhash.Hash) {
	r.mu.Lock()
	d, ok := r.descriptors[id]
	if ok {
		delete(r.descriptors, id)
		r.historic = append(r.historic, d)
		if len(r.historic) > historicLimit {
			r.historic = r.historic[len(r.historic)-historicLimit:]
		}
	}
	r.mu.Unlock()

	if ok {
		r.persistOrder(d)
	}
}

// OrderChanged pushes a state-change event. Called with the descriptor lock
// held, so the fields are read directly and the hand-off never blocks.
func (r *Registry) OrderChanged(d *order.Descriptor) {
	ev := OrderEvent{
		ID:    d.ID.String(),
		Role:  d.Role.String(),
		State: d.State.String(),
	}
	if d.Reason != protocol.ReasonUnknown {
		ev.Reason = d.Reason.String()
	}
	select {
	case r.events <- ev:
	default:
		// Listener fell behind; the rpc layer re-reads full state anyway.
	}
}

// ---------------------------------------------------------------------------
// Trader operations

// newOrderID draws a random 32-byte order id.
func newOrderID() (chainhash.Hash, error) {
	var id chainhash.Hash
	b, err := helpers.GenerateSecureRandom(chainhash.HashSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// fundOrder picks unlocked wallet outputs covering amount plus a fee
// margin, signs their ownership proofs when the connector supports it and
// locks them under id.
func (r *Registry) fundOrder(id chainhash.Hash, conn wallet.Connector, amount uint64) ([]wallet.UtxoEntry, error) {
	unspent, err := conn.GetUnspent()
	if err != nil {
		return nil, fmt.Errorf("list unspent: %w", err)
	}

	// Worst case the deposit spends every picked output plus change.
	var picked []wallet.UtxoEntry
	var total uint64
	target := func() uint64 {
		return amount + conn.MinTxFee(len(picked), 3) + conn.MinTxFee(1, 1)
	}
	for _, entry := range unspent {
		if r.locks.IsLocked(entry.Outpoint()) {
			continue
		}
		picked = append(picked, entry)
		total += entry.Amount
		if total >= target() {
			break
		}
	}
	if total < target() {
		return nil, fmt.Errorf("%w: %s has %d, want %d", ErrNoFunds, conn.Currency(), total, target())
	}

	if signer, ok := conn.(wallet.UtxoSigner); ok {
		for i := range picked {
			if err := signer.SignUtxo(&picked[i]); err != nil {
				return nil, fmt.Errorf("sign utxo: %w", err)
			}
		}
	}

	if err := r.locks.Lock(id, picked); err != nil {
		return nil, err
	}
	return picked, nil
}

// newDescriptor assembles a funded local leg: fresh addresses on both
// chains, a fresh session key and locked funding outputs.
func (r *Registry) newDescriptor(id chainhash.Hash, role wallet.Role,
	fromCurrency string, fromAmount uint64,
	toCurrency string, toAmount uint64) (*order.Descriptor, error) {

	connFrom, ok := r.Connector(fromCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNoConnector, fromCurrency)
	}
	connTo, ok := r.Connector(toCurrency)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNoConnector, toCurrency)
	}

	fromAddr, err := connFrom.GetNewAddress()
	if err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	fromRaw, err := connFrom.DecodeAddress(fromAddr)
	if err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	toAddr, err := connTo.GetNewAddress()
	if err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	toRaw, err := connTo.DecodeAddress(toAddr)
	if err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}

	mKey, err := wallet.NewKeyPair()
	if err != nil {
		return nil, err
	}

	utxos, err := r.fundOrder(id, connFrom, fromAmount)
	if err != nil {
		return nil, err
	}

	d := order.NewDescriptor(id, role)
	d.FromAddr = fromAddr
	d.FromRaw = fromRaw
	d.FromCurrency = fromCurrency
	d.FromAmount = fromAmount
	d.ToAddr = toAddr
	d.ToRaw = toRaw
	d.ToCurrency = toCurrency
	d.ToAmount = toAmount
	d.MKey = mKey
	d.Utxos = utxos
	return d, nil
}

// MakeOrder creates and announces a maker order selling fromAmount of
// fromCurrency for toAmount of toCurrency.
func (r *Registry) MakeOrder(fromCurrency string, fromAmount uint64,
	toCurrency string, toAmount uint64) (*order.Descriptor, error) {

	id, err := newOrderID()
	if err != nil {
		return nil, err
	}

	d, err := r.newDescriptor(id, wallet.RoleMaker, fromCurrency, fromAmount, toCurrency, toAmount)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.descriptors[id]; ok {
		r.mu.Unlock()
		r.locks.Unlock(id)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	r.descriptors[id] = d
	r.mu.Unlock()

	if err := r.sess.AnnounceOrder(d); err != nil {
		r.dropDescriptor(id)
		return nil, err
	}
	return d, nil
}

// AcceptOrder takes a remote open order, funding the inverse leg and
// sending the accept to its hub.
func (r *Registry) AcceptOrder(id chainhash.Hash) (*order.Descriptor, error) {
	r.mu.RLock()
	ro, ok := r.remote[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}

	// Our leg runs opposite to the maker's quoted pair.
	d, err := r.newDescriptor(id, wallet.RoleTaker,
		ro.DestCurrency, ro.DestAmount, ro.SourceCurrency, ro.SourceAmount)
	if err != nil {
		return nil, err
	}
	d.HubAddress = ro.HubAddress
	d.HubPubKey = append([]byte(nil), ro.HubPubKey...)
	d.State = order.DescrPending

	r.mu.Lock()
	if _, ok := r.descriptors[id]; ok {
		r.mu.Unlock()
		r.locks.Unlock(id)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, id)
	}
	r.descriptors[id] = d
	r.mu.Unlock()

	if err := r.sess.SendAccept(d); err != nil {
		r.dropDescriptor(id)
		return nil, err
	}
	return d, nil
}

// CancelOrder cancels a local leg on operator request.
func (r *Registry) CancelOrder(id chainhash.Hash) error {
	d, ok := r.Descriptor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return r.sess.RequestCancel(d, protocol.ReasonUserRequest)
}

// dropDescriptor removes a descriptor that never made it onto the network.
func (r *Registry) dropDescriptor(id chainhash.Hash) {
	r.mu.Lock()
	delete(r.descriptors, id)
	r.mu.Unlock()
	r.locks.Unlock(id)
}

// LocalOrders snapshots the in-flight local legs.
func (r *Registry) LocalOrders() []*order.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*order.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// HistoricOrders snapshots the retired local legs.
func (r *Registry) HistoricOrders() []*order.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*order.Descriptor(nil), r.historic...)
}

// RemoteOrders snapshots the remote open-order book.
func (r *Registry) RemoteOrders() []*RemoteOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteOrder, 0, len(r.remote))
	for _, ro := range r.remote {
		out = append(out, ro)
	}
	return out
}

// ---------------------------------------------------------------------------
// Address book

// RecordAddress notes which transport peer serves a trader address. The
// transport calls this for every delivered packet; the book is flushed to
// storage on the maintenance tick.
func (r *Registry) RecordAddress(addr protocol.Address, peerID string) {
	if addr.IsZero() || peerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addressBook[addr] != peerID {
		r.addressBook[addr] = peerID
		r.bookDirty = true
	}
}

// PeerForAddress returns the transport peer last seen serving addr.
func (r *Registry) PeerForAddress(addr protocol.Address) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.addressBook[addr]
	return peer, ok
}

// flushAddressBook persists dirty address book entries.
func (r *Registry) flushAddressBook() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	if !r.bookDirty {
		r.mu.Unlock()
		return
	}
	entries := make([]storage.AddressEntry, 0, len(r.addressBook))
	for addr, peer := range r.addressBook {
		entries = append(entries, storage.AddressEntry{Address: addr.String(), PeerID: peer})
	}
	r.bookDirty = false
	r.mu.Unlock()

	if err := r.store.SaveAddresses(entries); err != nil {
		r.log.Error("address book flush failed", "error", err)
	}
}

// pruneAddressBook drops persisted mappings past the book TTL. The
// in-memory book refreshes last_seen on every flush, so only traders gone
// silent for the whole window fall out.
func (r *Registry) pruneAddressBook() {
	if r.store == nil {
		return
	}
	pruned, err := r.store.PruneAddresses(time.Now().Add(-addressBookTTL))
	if err != nil {
		r.log.Error("address book prune failed", "error", err)
		return
	}
	if pruned > 0 {
		r.log.Debug("address book pruned", "entries", pruned)
	}
}

// loadAddressBook warms the in-memory book from storage.
func (r *Registry) loadAddressBook() {
	if r.store == nil {
		return
	}
	entries, err := r.store.LoadAddresses()
	if err != nil {
		r.log.Error("address book load failed", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		raw, err := helpers.HexToBytes(e.Address)
		if err != nil || len(raw) != protocol.AddressSize {
			continue
		}
		r.addressBook[protocol.AddressFromBytes(raw)] = e.PeerID
	}
}

// persistOrder writes a terminal descriptor to the order history. Called
// on the MoveToHistory path, where the session still holds the descriptor
// lock, so the fields are read directly.
func (r *Registry) persistOrder(d *order.Descriptor) {
	if r.store == nil {
		return
	}
	rec := &storage.OrderRecord{
		ID:           d.ID.String(),
		Role:         d.Role.String(),
		FromCurrency: d.FromCurrency,
		FromAmount:   d.FromAmount,
		ToCurrency:   d.ToCurrency,
		ToAmount:     d.ToAmount,
		FromAddress:  d.FromAddr,
		ToAddress:    d.ToAddr,
		State:        d.State.String(),
		Reason:       uint32(d.Reason),
		DepositTxID:  d.DepositTxID,
		RefundTxID:   d.RefundTxID,
		PaymentTxID:  d.PaymentTxID,
		CreatedAt:    d.CreatedAt.Unix(),
	}
	finished := d.State == order.DescrFinished

	if err := r.store.SaveOrder(rec); err != nil {
		r.log.Error("order history save failed", "orderid", rec.ID, "error", err)
		return
	}
	if finished {
		if err := r.store.RecordTrade(rec.ID, rec.FromCurrency, rec.FromAmount,
			rec.ToCurrency, rec.ToAmount); err != nil {
			r.log.Error("trade log append failed", "orderid", rec.ID, "error", err)
		}
	}
}
