package storage

import (
	"fmt"
	"testing"
	"time"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, closedAt int64) *OrderRecord {
	return &OrderRecord{
		ID:           id,
		Role:         "maker",
		FromCurrency: "BTC",
		FromAmount:   100_000,
		ToCurrency:   "LTC",
		ToAmount:     5_000_000,
		FromAddress:  "btc-pay",
		ToAddress:    "ltc-recv",
		State:        "finished",
		DepositTxID:  "dep-" + id,
		PaymentTxID:  "pay-" + id,
		CreatedAt:    closedAt - 600,
		ClosedAt:     closedAt,
	}
}

func TestSaveAndGetOrder(t *testing.T) {
	s := testStorage(t)

	want := testRecord("order-1", time.Now().Unix())
	if err := s.SaveOrder(want); err != nil {
		t.Fatalf("SaveOrder failed: %v", err)
	}

	got, err := s.GetOrder("order-1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetOrder returned nil for a saved order")
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGetOrderAbsent(t *testing.T) {
	s := testStorage(t)

	got, err := s.GetOrder("no-such-order")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestSaveOrderUpsert(t *testing.T) {
	s := testStorage(t)

	rec := testRecord("order-2", time.Now().Unix())
	rec.State = "rollback failed"
	if err := s.SaveOrder(rec); err != nil {
		t.Fatalf("SaveOrder failed: %v", err)
	}

	rec.State = "rolled back"
	rec.RefundTxID = "refund-1"
	if err := s.SaveOrder(rec); err != nil {
		t.Fatalf("SaveOrder upsert failed: %v", err)
	}

	got, err := s.GetOrder("order-2")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.State != "rolled back" || got.RefundTxID != "refund-1" {
		t.Errorf("upsert not applied: %+v", got)
	}

	records, err := s.ListOrders(0)
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1 after upsert", len(records))
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := testStorage(t)

	base := time.Now().Unix()
	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("order-%d", i), base+int64(i))
		if err := s.SaveOrder(rec); err != nil {
			t.Fatalf("SaveOrder failed: %v", err)
		}
	}

	records, err := s.ListOrders(3)
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0].ID != "order-4" || records[2].ID != "order-2" {
		t.Errorf("order wrong: got %s..%s, want order-4..order-2",
			records[0].ID, records[2].ID)
	}
}

func TestTradeLog(t *testing.T) {
	s := testStorage(t)

	n, err := s.TradeCount()
	if err != nil {
		t.Fatalf("TradeCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh trade count = %d, want 0", n)
	}

	if err := s.RecordTrade("order-1", "BTC", 100_000, "LTC", 5_000_000); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}
	if err := s.RecordTrade("order-2", "LTC", 5_000_000, "BTC", 100_000); err != nil {
		t.Fatalf("RecordTrade failed: %v", err)
	}

	n, err = s.TradeCount()
	if err != nil {
		t.Fatalf("TradeCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("trade count = %d, want 2", n)
	}
}

func TestAddressBookRoundTrip(t *testing.T) {
	s := testStorage(t)

	entries := []AddressEntry{
		{Address: "addr-1", PeerID: "peer-1", LastSeen: 1000},
		{Address: "addr-2", PeerID: "peer-2", LastSeen: 2000},
	}
	if err := s.SaveAddresses(entries); err != nil {
		t.Fatalf("SaveAddresses failed: %v", err)
	}

	got, err := s.LoadAddresses()
	if err != nil {
		t.Fatalf("LoadAddresses failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}

	// Re-save moves an address to a new peer.
	if err := s.SaveAddresses([]AddressEntry{{Address: "addr-1", PeerID: "peer-9", LastSeen: 3000}}); err != nil {
		t.Fatalf("SaveAddresses upsert failed: %v", err)
	}
	got, err = s.LoadAddresses()
	if err != nil {
		t.Fatalf("LoadAddresses failed: %v", err)
	}
	byAddr := make(map[string]AddressEntry, len(got))
	for _, e := range got {
		byAddr[e.Address] = e
	}
	if byAddr["addr-1"].PeerID != "peer-9" {
		t.Errorf("addr-1 peer = %q, want peer-9", byAddr["addr-1"].PeerID)
	}
}

func TestPruneAddresses(t *testing.T) {
	s := testStorage(t)

	if err := s.SaveAddresses([]AddressEntry{
		{Address: "stale", PeerID: "peer-1", LastSeen: 1000},
		{Address: "fresh", PeerID: "peer-2", LastSeen: time.Now().Unix()},
	}); err != nil {
		t.Fatalf("SaveAddresses failed: %v", err)
	}

	pruned, err := s.PruneAddresses(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneAddresses failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	got, err := s.LoadAddresses()
	if err != nil {
		t.Fatalf("LoadAddresses failed: %v", err)
	}
	if len(got) != 1 || got[0].Address != "fresh" {
		t.Errorf("remaining = %+v, want only fresh", got)
	}
}
