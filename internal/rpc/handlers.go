package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/registry"
)

// Version of the node.
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Address    string   `json:"address"`
	PeerID     string   `json:"peer_id,omitempty"`
	Peers      int      `json:"peers"`
	Currencies []string `json:"currencies"`
	HubEnabled bool     `json:"hub_enabled"`
	Version    string   `json:"version"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &NodeInfoResult{
		Address:    s.reg.Address().String(),
		Currencies: s.reg.Currencies(),
		HubEnabled: s.reg.Session().HubEnabled(),
		Version:    Version,
	}
	if s.trans != nil {
		res.PeerID = s.trans.ID().String()
		res.Peers = s.trans.PeerCount()
	}
	return res, nil
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running      bool   `json:"running"`
	PeerCount    int    `json:"peer_count"`
	LocalOrders  int    `json:"local_orders"`
	RemoteBook   int    `json:"remote_book"`
	TradesClosed int    `json:"trades_closed"`
	Uptime       string `json:"uptime"`
	WSClients    int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	res := &NodeStatusResult{
		Running:     true,
		LocalOrders: len(s.reg.LocalOrders()),
		RemoteBook:  len(s.reg.RemoteOrders()),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if s.trans != nil {
		res.PeerCount = s.trans.PeerCount()
	}
	if s.store != nil {
		if n, err := s.store.TradeCount(); err == nil {
			res.TradesClosed = n
		}
	}
	if s.wsHub != nil {
		res.WSClients = s.wsHub.ClientCount()
	}
	return res, nil
}

// ========================================
// Order handlers
// ========================================

// OrderView is the JSON shape of a local swap leg.
type OrderView struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	FromCurrency string `json:"from_currency"`
	FromAmount   uint64 `json:"from_amount"`
	ToCurrency   string `json:"to_currency"`
	ToAmount     uint64 `json:"to_amount"`
	FromAddress  string `json:"from_address,omitempty"`
	ToAddress    string `json:"to_address,omitempty"`
	DepositTxID  string `json:"deposit_txid,omitempty"`
	RefundTxID   string `json:"refund_txid,omitempty"`
	PaymentTxID  string `json:"payment_txid,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

func descriptorView(d *order.Descriptor) *OrderView {
	d.Lock()
	defer d.Unlock()

	v := &OrderView{
		ID:           d.ID.String(),
		Role:         d.Role.String(),
		State:        d.State.String(),
		FromCurrency: d.FromCurrency,
		FromAmount:   d.FromAmount,
		ToCurrency:   d.ToCurrency,
		ToAmount:     d.ToAmount,
		FromAddress:  d.FromAddr,
		ToAddress:    d.ToAddr,
		DepositTxID:  d.DepositTxID,
		RefundTxID:   d.RefundTxID,
		PaymentTxID:  d.PaymentTxID,
		CreatedAt:    d.CreatedAt.Unix(),
		UpdatedAt:    d.UpdatedAt.Unix(),
	}
	if d.Reason != 0 {
		v.Reason = d.Reason.String()
	}
	return v
}

// RemoteOrderView is the JSON shape of a hub-announced order.
type RemoteOrderView struct {
	ID             string `json:"id"`
	SourceCurrency string `json:"source_currency"`
	SourceAmount   uint64 `json:"source_amount"`
	DestCurrency   string `json:"dest_currency"`
	DestAmount     uint64 `json:"dest_amount"`
	HubAddress     string `json:"hub_address"`
	FirstSeen      int64  `json:"first_seen"`
	LastSeen       int64  `json:"last_seen"`
}

func remoteView(ro *registry.RemoteOrder) *RemoteOrderView {
	return &RemoteOrderView{
		ID:             ro.ID.String(),
		SourceCurrency: ro.SourceCurrency,
		SourceAmount:   ro.SourceAmount,
		DestCurrency:   ro.DestCurrency,
		DestAmount:     ro.DestAmount,
		HubAddress:     ro.HubAddress.String(),
		FirstSeen:      ro.FirstSeen.Unix(),
		LastSeen:       ro.LastSeen.Unix(),
	}
}

// OrderMakeParams are the parameters for orders_make.
type OrderMakeParams struct {
	FromCurrency string `json:"from_currency"`
	FromAmount   uint64 `json:"from_amount"`
	ToCurrency   string `json:"to_currency"`
	ToAmount     uint64 `json:"to_amount"`
}

func (s *Server) ordersMake(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderMakeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.FromCurrency == "" || p.ToCurrency == "" || p.FromAmount == 0 || p.ToAmount == 0 {
		return nil, errors.New("from/to currency and amount are required")
	}

	d, err := s.reg.MakeOrder(p.FromCurrency, p.FromAmount, p.ToCurrency, p.ToAmount)
	if err != nil {
		return nil, err
	}
	return descriptorView(d), nil
}

// OrderIDParams carry a single order id.
type OrderIDParams struct {
	ID string `json:"id"`
}

func parseOrderID(params json.RawMessage) (chainhash.Hash, error) {
	var p OrderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid params: %w", err)
	}
	id, err := chainhash.NewHashFromStr(p.ID)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid order id: %w", err)
	}
	return *id, nil
}

func (s *Server) ordersAccept(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := parseOrderID(params)
	if err != nil {
		return nil, err
	}
	d, err := s.reg.AcceptOrder(id)
	if err != nil {
		return nil, err
	}
	return descriptorView(d), nil
}

func (s *Server) ordersCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := parseOrderID(params)
	if err != nil {
		return nil, err
	}
	if err := s.reg.CancelOrder(id); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) ordersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := parseOrderID(params)
	if err != nil {
		return nil, err
	}
	if d, ok := s.reg.Descriptor(id); ok {
		return descriptorView(d), nil
	}
	for _, d := range s.reg.HistoricOrders() {
		if d.ID == id {
			return descriptorView(d), nil
		}
	}
	if s.store != nil {
		rec, err := s.store.GetOrder(id.String())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, registry.ErrUnknownOrder
}

func (s *Server) ordersLocal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ds := s.reg.LocalOrders()
	out := make([]*OrderView, 0, len(ds))
	for _, d := range ds {
		out = append(out, descriptorView(d))
	}
	return out, nil
}

func (s *Server) ordersRemote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	ros := s.reg.RemoteOrders()
	out := make([]*RemoteOrderView, 0, len(ros))
	for _, ro := range ros {
		out = append(out, remoteView(ro))
	}
	return out, nil
}

// OrderHistoryParams are the parameters for orders_history.
type OrderHistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) ordersHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	limit := 100
	if len(params) > 0 {
		var p OrderHistoryParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Limit > 0 {
			limit = p.Limit
		}
	}
	if s.store == nil {
		// No persistence: fall back to the in-memory retirement list.
		ds := s.reg.HistoricOrders()
		out := make([]*OrderView, 0, len(ds))
		for _, d := range ds {
			out = append(out, descriptorView(d))
		}
		return out, nil
	}
	return s.store.ListOrders(limit)
}

// ========================================
// Hub handlers
// ========================================

// HubStatusResult is the response for hub_status.
type HubStatusResult struct {
	Enabled       bool     `json:"enabled"`
	PendingOrders int      `json:"pending_orders"`
	ActiveOrders  int      `json:"active_orders"`
	LockedUtxos   int      `json:"locked_utxos"`
	Wallets       []string `json:"wallets,omitempty"`
}

func (s *Server) hubStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	exch := s.reg.Exchange()
	if exch == nil {
		return &HubStatusResult{Enabled: false}, nil
	}
	return &HubStatusResult{
		Enabled:       true,
		PendingOrders: len(exch.PendingOrders()),
		ActiveOrders:  len(exch.ActiveOrders()),
		LockedUtxos:   exch.Locks().Count(),
		Wallets:       exch.Wallets(),
	}, nil
}

// HubOrderView is the JSON shape of a hub book entry.
type HubOrderView struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	SourceCurrency string `json:"source_currency"`
	SourceAmount   uint64 `json:"source_amount"`
	DestCurrency   string `json:"dest_currency"`
	DestAmount     uint64 `json:"dest_amount"`
	CreatedAt      int64  `json:"created_at"`
}

func hubView(o *order.Order) *HubOrderView {
	return &HubOrderView{
		ID:             o.ID().String(),
		State:          o.State().String(),
		SourceCurrency: o.SourceCurrency(),
		SourceAmount:   o.SourceAmount(),
		DestCurrency:   o.DestCurrency(),
		DestAmount:     o.DestAmount(),
		CreatedAt:      o.Created().Unix(),
	}
}

// HubBookResult is the response for hub_book.
type HubBookResult struct {
	Pending []*HubOrderView `json:"pending"`
	Active  []*HubOrderView `json:"active"`
}

func (s *Server) hubBook(ctx context.Context, params json.RawMessage) (interface{}, error) {
	exch := s.reg.Exchange()
	if exch == nil {
		return nil, errors.New("hub mode disabled")
	}
	res := &HubBookResult{
		Pending: make([]*HubOrderView, 0),
		Active:  make([]*HubOrderView, 0),
	}
	for _, o := range exch.PendingOrders() {
		res.Pending = append(res.Pending, hubView(o))
	}
	for _, o := range exch.ActiveOrders() {
		res.Active = append(res.Active, hubView(o))
	}
	return res, nil
}
