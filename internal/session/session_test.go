package session

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/crosshub-exchange/crosshub/internal/config"
	"github.com/crosshub-exchange/crosshub/internal/exchange"
	"github.com/crosshub-exchange/crosshub/internal/order"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

// ---- in-memory packet bus -------------------------------------------------

// busMsg is one queued delivery. A nil target means broadcast.
type busMsg struct {
	to  *Session
	pkt *protocol.Packet
}

// bus routes packets between sessions. Deliveries are queued and pumped
// from the top level so no handler ever runs while another holds a
// descriptor lock on the same goroutine.
type bus struct {
	route map[protocol.Address]*Session
	all   []*Session
	queue []busMsg
}

func newBus() *bus {
	return &bus{route: make(map[protocol.Address]*Session)}
}

func (b *bus) attach(s *Session) {
	b.all = append(b.all, s)
}

func (b *bus) register(s *Session, addrs ...protocol.Address) {
	for _, a := range addrs {
		b.route[a] = s
	}
}

func (b *bus) SendTo(addr protocol.Address, pkt *protocol.Packet) error {
	if s, ok := b.route[addr]; ok {
		b.queue = append(b.queue, busMsg{to: s, pkt: pkt})
		return nil
	}
	b.queue = append(b.queue, busMsg{pkt: pkt})
	return nil
}

func (b *bus) Broadcast(pkt *protocol.Packet) error {
	b.queue = append(b.queue, busMsg{pkt: pkt})
	return nil
}

// pump drains the queue, reparsing each packet so sessions never share
// mutable packet state. Handler errors are expected for packets a node is
// not a party to (a trader seeing another maker's announce, for example),
// so they are dropped just as the dispatch workers drop them.
func (b *bus) pump(t *testing.T) {
	t.Helper()
	for guard := 0; len(b.queue) > 0; guard++ {
		if guard > 10_000 {
			t.Fatal("bus did not quiesce")
		}
		msg := b.queue[0]
		b.queue = b.queue[1:]

		targets := b.all
		if msg.to != nil {
			targets = []*Session{msg.to}
		}
		for _, s := range targets {
			pkt, err := protocol.Parse(msg.pkt.Marshal())
			if err != nil {
				t.Fatalf("bus packet failed reparse: %v", err)
			}
			_ = s.ProcessPacket(pkt)
		}
	}
}

// ---- fake services --------------------------------------------------------

type fakeServices struct {
	conns       map[string]wallet.Connector
	descriptors map[chainhash.Hash]*order.Descriptor
	tracked     map[chainhash.Hash][]byte // id -> hub pubkey
	trackedHub  map[chainhash.Hash]protocol.Address
	parked      map[chainhash.Hash][]*protocol.Packet
	unlocked    []chainhash.Hash
	retired     []chainhash.Hash
	states      []order.DescrState
}

func newFakeServices() *fakeServices {
	return &fakeServices{
		conns:       make(map[string]wallet.Connector),
		descriptors: make(map[chainhash.Hash]*order.Descriptor),
		tracked:     make(map[chainhash.Hash][]byte),
		trackedHub:  make(map[chainhash.Hash]protocol.Address),
		parked:      make(map[chainhash.Hash][]*protocol.Packet),
	}
}

func (f *fakeServices) Connector(currency string) (wallet.Connector, bool) {
	c, ok := f.conns[currency]
	return c, ok
}

func (f *fakeServices) Descriptor(id chainhash.Hash) (*order.Descriptor, bool) {
	d, ok := f.descriptors[id]
	return d, ok
}

func (f *fakeServices) TrackPendingOrder(id chainhash.Hash,
	srcCur string, srcAmt uint64, dstCur string, dstAmt uint64,
	hubAddr protocol.Address, hubPubKey []byte) {
	f.tracked[id] = append([]byte(nil), hubPubKey...)
	f.trackedHub[id] = hubAddr
}

func (f *fakeServices) ParkPacket(id chainhash.Hash, pkt *protocol.Packet) {
	f.parked[id] = append(f.parked[id], pkt)
}

func (f *fakeServices) DropParkedPackets(id chainhash.Hash) {
	delete(f.parked, id)
}

func (f *fakeServices) UnlockLocalUtxos(id chainhash.Hash) {
	f.unlocked = append(f.unlocked, id)
}

func (f *fakeServices) MoveToHistory(id chainhash.Hash) {
	f.retired = append(f.retired, id)
	delete(f.descriptors, id)
}

func (f *fakeServices) OrderChanged(d *order.Descriptor) {
	f.states = append(f.states, d.State)
}

// ---- fake connector -------------------------------------------------------

type fakeConnector struct {
	currency string
	seq      int
	// unconfirmed holds txids CheckTransaction reports as unconfirmed;
	// neverConfirm makes it report every txid unconfirmed.
	unconfirmed  map[string]bool
	neverConfirm bool
	failSend     bool
	broadcasts   []string
}

func newFakeConnector(currency string) *fakeConnector {
	return &fakeConnector{currency: currency, unconfirmed: make(map[string]bool)}
}

func (c *fakeConnector) Currency() string      { return c.currency }
func (c *fakeConnector) DustThreshold() uint64 { return 10 }

func (c *fakeConnector) GetUnspent() ([]wallet.UtxoEntry, error) { return nil, nil }
func (c *fakeConnector) CheckUtxo(wallet.UtxoEntry) error        { return nil }

func (c *fakeConnector) GetNewAddress() (string, error) {
	c.seq++
	return fmt.Sprintf("%s-fresh-%d", c.currency, c.seq), nil
}

func (c *fakeConnector) DecodeAddress(addr string) (protocol.Address, error) {
	return protocol.AddressFromBytes(wallet.KeyID([]byte(addr))), nil
}

func (c *fakeConnector) ScriptAddress(script []byte) (string, error) {
	return fmt.Sprintf("%s-p2sh-%x", c.currency, wallet.KeyID(script)[:4]), nil
}

func (c *fakeConnector) CreateDepositTransaction(inputs []wallet.TxIn, outputs []wallet.TxOut) (string, []byte, error) {
	c.seq++
	txid := fmt.Sprintf("%s-deposit-%d", c.currency, c.seq)
	return txid, []byte(txid), nil
}

func (c *fakeConnector) CreateRefundTransaction(inputs []wallet.TxIn, outputs []wallet.TxOut,
	myPubkey, myPrivkey, lockScript []byte, lockTime uint32) (string, []byte, error) {
	c.seq++
	txid := fmt.Sprintf("%s-refund-%d", c.currency, c.seq)
	return txid, []byte(txid), nil
}

func (c *fakeConnector) CreatePaymentTransaction(inputs []wallet.TxIn, outputs []wallet.TxOut,
	myPubkey, myPrivkey, secret, lockScript []byte) (string, []byte, error) {
	c.seq++
	txid := fmt.Sprintf("%s-payment-%d", c.currency, c.seq)
	return txid, []byte(txid), nil
}

func (c *fakeConnector) SendRawTransaction(rawTx []byte) (string, error) {
	if c.failSend {
		return "", fmt.Errorf("%w: rejected by test", wallet.ErrRPC)
	}
	c.broadcasts = append(c.broadcasts, string(rawTx))
	return string(rawTx), nil
}

func (c *fakeConnector) CheckTransaction(txid string) (bool, error) {
	if c.neverConfirm || c.unconfirmed[txid] {
		return false, nil
	}
	return true, nil
}

func (c *fakeConnector) LockTime(role wallet.Role) uint32 {
	if role == wallet.RoleMaker {
		return 2_000_000
	}
	return 1_000_000
}

func (c *fakeConnector) MinTxFee(nInputs, nOutputs int) uint64 { return 100 }

// ---- harness --------------------------------------------------------------

type node struct {
	svc  *fakeServices
	sess *Session
	id   *config.Identity
}

func testIdentity(t *testing.T) *config.Identity {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return &config.Identity{
		Priv:    key,
		Address: protocol.AddressFromBytes(wallet.KeyID(key.PubKey().SerializeCompressed())),
	}
}

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error"})
}

// newNode builds a trader node (exch nil) or a hub node.
func newNode(t *testing.T, b *bus, exch *exchange.Exchange) *node {
	t.Helper()
	n := &node{svc: newFakeServices(), id: testIdentity(t)}
	n.svc.conns["BTC"] = newFakeConnector("BTC")
	n.svc.conns["LTC"] = newFakeConnector("LTC")
	n.sess = New(n.svc, b, n.id, exch, testLogger())
	b.attach(n.sess)
	return n
}

func (n *node) connector(currency string) *fakeConnector {
	return n.svc.conns[currency].(*fakeConnector)
}

func rawAddr(s string) protocol.Address {
	return protocol.AddressFromBytes(wallet.KeyID([]byte(s)))
}

// newLeg builds a funded local descriptor and registers it with the node.
func newLeg(t *testing.T, n *node, id chainhash.Hash, role wallet.Role,
	fromCur string, fromAmt uint64, toCur string, toAmt uint64, utxoSeed byte) *order.Descriptor {
	t.Helper()

	mKey, err := wallet.NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	fromAddr := fmt.Sprintf("%s-%c-pay", fromCur, role)
	toAddr := fmt.Sprintf("%s-%c-recv", toCur, role)

	d := order.NewDescriptor(id, role)
	d.FromAddr = fromAddr
	d.FromRaw = rawAddr(fromAddr)
	d.FromCurrency = fromCur
	d.FromAmount = fromAmt
	d.ToAddr = toAddr
	d.ToRaw = rawAddr(toAddr)
	d.ToCurrency = toCur
	d.ToAmount = toAmt
	d.MKey = mKey
	d.Utxos = []wallet.UtxoEntry{
		{TxID: chainhash.Hash{utxoSeed}, Vout: 0, Amount: fromAmt * 2, Address: fromAddr, RawAddress: rawAddr(fromAddr)},
		{TxID: chainhash.Hash{utxoSeed + 1}, Vout: 1, Amount: fromAmt, Address: fromAddr, RawAddress: rawAddr(fromAddr)},
	}
	n.svc.descriptors[id] = d
	return d
}

// swapNet is a hub and two traders wired to one bus.
type swapNet struct {
	bus   *bus
	hub   *node
	maker *node
	taker *node
	exch  *exchange.Exchange
	id    chainhash.Hash
}

func newSwapNet(t *testing.T) *swapNet {
	t.Helper()
	b := newBus()

	exch := exchange.New(nil)
	exch.AddWallet(exchange.WalletParam{Symbol: "BTC", DustThreshold: 0})
	exch.AddWallet(exchange.WalletParam{Symbol: "LTC", DustThreshold: 0})

	net := &swapNet{
		bus:   b,
		hub:   newNode(t, b, exch),
		maker: newNode(t, b, nil),
		taker: newNode(t, b, nil),
		exch:  exch,
		id:    chainhash.Hash{0xaa},
	}
	b.register(net.hub.sess, net.hub.id.Address)
	return net
}

// announce runs the maker announcement and returns its descriptor.
func (net *swapNet) announce(t *testing.T) *order.Descriptor {
	t.Helper()
	maker := newLeg(t, net.maker, net.id, wallet.RoleMaker, "BTC", 100_000, "LTC", 5_000_000, 0x10)
	net.bus.register(net.maker.sess, maker.FromRaw, maker.ToRaw)

	if err := net.maker.sess.AnnounceOrder(maker); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	net.bus.pump(t)
	return maker
}

// accept runs the taker accept for the announced order.
func (net *swapNet) accept(t *testing.T) *order.Descriptor {
	t.Helper()
	taker := newLeg(t, net.taker, net.id, wallet.RoleTaker, "LTC", 5_000_000, "BTC", 100_000, 0x20)
	net.bus.register(net.taker.sess, taker.FromRaw, taker.ToRaw)

	hubPubKey, ok := net.taker.svc.tracked[net.id]
	if !ok {
		t.Fatal("taker did not track the pending order")
	}
	taker.HubAddress = net.taker.svc.trackedHub[net.id]
	taker.HubPubKey = hubPubKey
	taker.SetState(order.DescrPending)

	if err := net.taker.sess.SendAccept(taker); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	net.bus.pump(t)
	return taker
}

// ---- tests ----------------------------------------------------------------

func TestAnnounceReachesHubAndTaker(t *testing.T) {
	net := newSwapNet(t)
	maker := net.announce(t)

	if _, ok := net.exch.PendingOrder(net.id); !ok {
		t.Error("hub did not create the pending order")
	}
	if _, ok := net.taker.svc.tracked[net.id]; !ok {
		t.Error("taker did not track the pending order")
	}

	// The maker sees its own announcement come back and pins the hub.
	maker.Lock()
	if maker.HubAddress.IsZero() {
		t.Error("maker did not pin the hub address")
	}
	if len(maker.HubPubKey) == 0 {
		t.Error("maker did not pin the hub key")
	}
	maker.Unlock()
}

func TestFullSwapHandshake(t *testing.T) {
	net := newSwapNet(t)
	maker := net.announce(t)
	taker := net.accept(t)

	maker.Lock()
	if maker.State != order.DescrFinished {
		t.Errorf("maker state = %v, want finished", maker.State)
	}
	if maker.DepositTxID == "" || maker.RefundRawTx == nil {
		t.Error("maker deposit or refund missing")
	}
	if maker.PaymentTxID == "" || !maker.Redeemed() {
		t.Error("maker payment missing")
	}
	if maker.XKey == nil {
		t.Error("maker never drew the X key")
	}
	maker.Unlock()

	taker.Lock()
	if taker.State != order.DescrFinished {
		t.Errorf("taker state = %v, want finished", taker.State)
	}
	if taker.DepositTxID == "" || taker.PaymentTxID == "" {
		t.Error("taker deposit or payment missing")
	}
	if string(wallet.KeyID(maker.XKey.Pub())) != string(taker.SecretHash) {
		t.Error("taker secret hash does not match the maker X key")
	}
	taker.Unlock()

	// Hub side: retired to history, every pledge released.
	if len(net.exch.ActiveOrders()) != 0 {
		t.Error("hub order still active")
	}
	historic := net.exch.HistoricOrders()
	if len(historic) != 1 || historic[0].State() != order.StateFinished {
		t.Error("hub order not retired as finished")
	}
	if net.exch.Locks().Count() != 0 {
		t.Errorf("hub lock count = %d, want 0", net.exch.Locks().Count())
	}

	// Both traders cleaned up their local state.
	for _, n := range []*node{net.maker, net.taker} {
		if len(n.svc.retired) != 1 || n.svc.retired[0] != net.id {
			t.Error("trader did not retire the descriptor")
		}
		if len(n.svc.unlocked) == 0 {
			t.Error("trader did not release pledged outputs")
		}
	}

	// The maker pays on LTC, the taker on BTC: one deposit and one payment
	// broadcast on each chain.
	if n := len(net.maker.connector("BTC").broadcasts); n != 1 {
		t.Errorf("maker BTC broadcasts = %d, want 1 (deposit)", n)
	}
	if n := len(net.maker.connector("LTC").broadcasts); n != 1 {
		t.Errorf("maker LTC broadcasts = %d, want 1 (payment)", n)
	}
	if n := len(net.taker.connector("LTC").broadcasts); n != 1 {
		t.Errorf("taker LTC broadcasts = %d, want 1 (deposit)", n)
	}
	if n := len(net.taker.connector("BTC").broadcasts); n != 1 {
		t.Errorf("taker BTC broadcasts = %d, want 1 (payment)", n)
	}
}

func TestMismatchedAcceptRejected(t *testing.T) {
	net := newSwapNet(t)
	net.announce(t)

	// Taker offers less than the maker asked for.
	taker := newLeg(t, net.taker, net.id, wallet.RoleTaker, "LTC", 4_999_999, "BTC", 100_000, 0x20)
	net.bus.register(net.taker.sess, taker.FromRaw, taker.ToRaw)
	taker.HubAddress = net.taker.svc.trackedHub[net.id]
	taker.HubPubKey = net.taker.svc.tracked[net.id]
	taker.SetState(order.DescrPending)

	if err := net.taker.sess.SendAccept(taker); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	net.bus.pump(t)

	taker.Lock()
	if taker.State != order.DescrCancelled {
		t.Errorf("taker state = %v, want cancelled", taker.State)
	}
	taker.Unlock()

	// The maker order survives for the next taker.
	if tr, ok := net.exch.PendingOrder(net.id); !ok || tr.State() != order.StateNew {
		t.Error("maker order lost to a rejected accept")
	}
}

func TestUnconfirmedMakerDepositParks(t *testing.T) {
	net := newSwapNet(t)
	net.announce(t)

	// The taker verifies the maker deposit on its receiving chain (BTC);
	// report everything unconfirmed there.
	net.taker.connector("BTC").neverConfirm = true
	taker := net.accept(t)

	taker.Lock()
	if taker.State != order.DescrInitialized {
		t.Errorf("taker state = %v, want initialized while parked", taker.State)
	}
	taker.Unlock()
	if len(net.taker.svc.parked[net.id]) != 1 {
		t.Fatalf("parked packets = %d, want 1", len(net.taker.svc.parked[net.id]))
	}

	// Confirmation lands; the maintenance tick re-feeds the packet.
	net.taker.connector("BTC").neverConfirm = false
	pkt := net.taker.svc.parked[net.id][0]
	delete(net.taker.svc.parked, net.id)
	if err := net.taker.sess.ProcessPacket(pkt); err != nil {
		t.Fatalf("parked packet replay failed: %v", err)
	}
	net.bus.pump(t)

	taker.Lock()
	if taker.State != order.DescrFinished {
		t.Errorf("taker state after replay = %v, want finished", taker.State)
	}
	taker.Unlock()
}

func TestUserCancelBeforeDeposit(t *testing.T) {
	net := newSwapNet(t)
	maker := net.announce(t)

	if err := net.maker.sess.RequestCancel(maker, protocol.ReasonUserRequest); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	net.bus.pump(t)

	maker.Lock()
	if maker.State != order.DescrCancelled {
		t.Errorf("maker state = %v, want cancelled", maker.State)
	}
	if maker.Reason != protocol.ReasonUserRequest {
		t.Errorf("reason = %v, want user request", maker.Reason)
	}
	maker.Unlock()

	// The hub dropped the pending order and released the pledges.
	if _, ok := net.exch.PendingOrder(net.id); ok {
		t.Error("hub kept the cancelled pending order")
	}
	if net.exch.Locks().Count() != 0 {
		t.Errorf("hub lock count = %d, want 0", net.exch.Locks().Count())
	}
}

// cancelPacket builds a hub-signed cancel for direct injection.
func cancelPacket(t *testing.T, id chainhash.Hash, hub *config.Identity, reason protocol.CancelReason) *protocol.Packet {
	t.Helper()
	w := protocol.NewPayloadWriter()
	w.PutHash(id)
	w.PutUint32(uint32(reason))
	pkt := protocol.NewPacket(protocol.CmdCancel, w.Bytes())
	if err := pkt.Sign(hub.PubKey(), hub.PrivKey()); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return pkt
}

// depositedLeg builds a maker leg that already broadcast its deposit.
func depositedLeg(t *testing.T, n *node, id chainhash.Hash, hub *config.Identity) *order.Descriptor {
	t.Helper()
	d := newLeg(t, n, id, wallet.RoleMaker, "BTC", 100_000, "LTC", 5_000_000, 0x30)
	d.HubAddress = hub.Address
	d.HubPubKey = hub.PubKey()
	d.SetState(order.DescrCreated)
	d.DepositTxID = "BTC-deposit-1"
	d.RefundRawTx = []byte("BTC-refund-1")
	d.MarkDepositSent()
	return d
}

func TestCancelAfterDepositRollsBack(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)
	hub := testIdentity(t)
	id := chainhash.Hash{0xbb}
	d := depositedLeg(t, n, id, hub)

	if err := n.sess.ProcessPacket(cancelPacket(t, id, hub, protocol.ReasonTimeout)); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	d.Lock()
	if d.State != order.DescrRollback {
		t.Errorf("state = %v, want rollback", d.State)
	}
	if d.RefundTxID != "BTC-refund-1" {
		t.Errorf("refund txid = %q", d.RefundTxID)
	}
	d.Unlock()

	conn := n.connector("BTC")
	if len(conn.broadcasts) != 1 || conn.broadcasts[0] != "BTC-refund-1" {
		t.Errorf("broadcasts = %v, want the pre-signed refund", conn.broadcasts)
	}
	if len(n.svc.retired) != 1 {
		t.Error("rolled-back leg not retired")
	}
}

func TestFailedRollbackStaysActiveForRetry(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)
	hub := testIdentity(t)
	id := chainhash.Hash{0xbc}
	d := depositedLeg(t, n, id, hub)

	// Refund refused: the lock window has not opened yet.
	n.connector("BTC").failSend = true
	_ = n.sess.ProcessPacket(cancelPacket(t, id, hub, protocol.ReasonTimeout))

	d.Lock()
	if d.State != order.DescrRollbackFailed {
		t.Fatalf("state = %v, want rollback failed", d.State)
	}
	d.Unlock()
	if len(n.svc.retired) != 0 {
		t.Fatal("failed rollback was retired; the retry sweep cannot find it")
	}

	// Window opens; the maintenance sweep retries.
	n.connector("BTC").failSend = false
	if err := n.sess.RetryRollback(d); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	d.Lock()
	if d.State != order.DescrRollback {
		t.Errorf("state after retry = %v, want rollback", d.State)
	}
	d.Unlock()
	if len(n.svc.retired) != 1 {
		t.Error("successful retry not retired")
	}
}

func TestCancelAfterRedeemIgnored(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)
	hub := testIdentity(t)
	id := chainhash.Hash{0xbd}
	d := depositedLeg(t, n, id, hub)
	d.PaymentTxID = "LTC-payment-1"
	d.MarkRedeemed()

	_ = n.sess.ProcessPacket(cancelPacket(t, id, hub, protocol.ReasonTimeout))

	d.Lock()
	defer d.Unlock()
	if d.State != order.DescrCreated {
		t.Errorf("state = %v, want created (cancel after redeem is moot)", d.State)
	}
	if len(n.connector("BTC").broadcasts) != 0 {
		t.Error("redeemed leg broadcast a refund")
	}
}

func TestCancelFromStrangerRejected(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)
	hub := testIdentity(t)
	stranger := testIdentity(t)
	id := chainhash.Hash{0xbe}
	d := depositedLeg(t, n, id, hub)

	err := n.sess.ProcessPacket(cancelPacket(t, id, stranger, protocol.ReasonTimeout))
	if err == nil {
		t.Fatal("cancel from unknown signer accepted")
	}

	d.Lock()
	defer d.Unlock()
	if d.State != order.DescrCreated {
		t.Errorf("state = %v, want created", d.State)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)

	pkt := protocol.NewPacket(protocol.CmdHold, []byte{1, 2, 3})
	// Unsigned: zero signature cannot verify.
	if err := n.sess.ProcessPacket(pkt); err == nil {
		t.Fatal("unsigned packet accepted")
	}
}

// hubParty is one side of a directly-joined hub order.
type hubParty struct {
	key    *wallet.KeyPair
	source protocol.Address
	dest   protocol.Address
}

func newHubParty(t *testing.T, name string) *hubParty {
	t.Helper()
	key, err := wallet.NewKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	return &hubParty{
		key:    key,
		source: rawAddr(name + "-pay"),
		dest:   rawAddr(name + "-recv"),
	}
}

func (p *hubParty) sign(t *testing.T, pkt *protocol.Packet) *protocol.Packet {
	t.Helper()
	if err := pkt.Sign(p.key.Pub(), p.key.PrivBytes()); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return pkt
}

// joinOrder builds an active hub order straight on the exchange, skipping
// the wire handshake, so ack packets can be injected one at a time.
func joinOrder(t *testing.T, net *swapNet) (maker, taker *hubParty) {
	t.Helper()
	maker = newHubParty(t, "maker")
	taker = newHubParty(t, "taker")

	_, err := net.exch.CreateOrder(net.id,
		maker.source, "BTC", 100_000, maker.dest, "LTC", 5_000_000,
		time.Now(), maker.key.Pub(),
		[]wallet.UtxoEntry{{TxID: chainhash.Hash{0x30}, Amount: 200_000, RawAddress: maker.source}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err = net.exch.AcceptOrder(net.id,
		taker.source, "LTC", 5_000_000, taker.dest, "BTC", 100_000,
		taker.key.Pub(),
		[]wallet.UtxoEntry{{TxID: chainhash.Hash{0x31}, Amount: 10_000_000, RawAddress: taker.source}})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return maker, taker
}

// holdAck builds an unsigned hold acknowledgment naming from as the sender.
func holdAck(id chainhash.Hash, hub, from protocol.Address) *protocol.Packet {
	w := protocol.NewPayloadWriter()
	w.PutAddress(hub)
	w.PutAddress(from)
	w.PutHash(id)
	return protocol.NewPacket(protocol.CmdHoldAck, w.Bytes())
}

// initializedPkt builds an unsigned initialized ack publishing mPubKey.
func initializedPkt(id chainhash.Hash, hub, from protocol.Address, mPubKey []byte) *protocol.Packet {
	w := protocol.NewPayloadWriter()
	w.PutAddress(hub)
	w.PutAddress(from)
	w.PutHash(id)
	w.PutBytes(mPubKey)
	return protocol.NewPacket(protocol.CmdInitialized, w.Bytes())
}

func TestHubRejectsAckFromStranger(t *testing.T) {
	net := newSwapNet(t)
	maker, taker := joinOrder(t, net)
	hubAddr := net.hub.id.Address
	stranger := testIdentity(t)

	// Validly self-signed acks naming real party addresses must not move
	// the order when the signer is not that party.
	for _, from := range []protocol.Address{maker.dest, taker.dest} {
		pkt := holdAck(net.id, hubAddr, from)
		if err := pkt.Sign(stranger.PubKey(), stranger.PrivKey()); err != nil {
			t.Fatalf("sign failed: %v", err)
		}
		if err := net.hub.sess.ProcessPacket(pkt); err == nil {
			t.Fatalf("hold ack for %s signed by a stranger accepted", from)
		}
	}

	tr, ok := net.exch.Order(net.id)
	if !ok {
		t.Fatal("order lost to a stranger-signed ack")
	}
	if tr.State() != order.StateJoined {
		t.Errorf("state = %v, want joined", tr.State())
	}

	// The genuine parties still advance it.
	if err := net.hub.sess.ProcessPacket(maker.sign(t, holdAck(net.id, hubAddr, maker.dest))); err != nil {
		t.Fatalf("maker hold ack rejected: %v", err)
	}
	if err := net.hub.sess.ProcessPacket(taker.sign(t, holdAck(net.id, hubAddr, taker.dest))); err != nil {
		t.Fatalf("taker hold ack rejected: %v", err)
	}
	if tr.State() != order.StateHold {
		t.Errorf("state = %v, want hold", tr.State())
	}
}

func TestHubCancelsOrderOnForeignAddressAck(t *testing.T) {
	net := newSwapNet(t)
	maker, _ := joinOrder(t, net)

	// A real party signing for an address outside the join is hostile.
	pkt := maker.sign(t, holdAck(net.id, net.hub.id.Address, rawAddr("nowhere")))
	if err := net.hub.sess.ProcessPacket(pkt); err == nil {
		t.Fatal("ack for a foreign address accepted")
	}
	if _, ok := net.exch.Order(net.id); ok {
		t.Error("order still open after a party signed for a foreign address")
	}
}

func TestHubRejectsRogueInitializedKey(t *testing.T) {
	net := newSwapNet(t)
	maker, taker := joinOrder(t, net)
	hubAddr := net.hub.id.Address

	if err := net.hub.sess.ProcessPacket(maker.sign(t, holdAck(net.id, hubAddr, maker.dest))); err != nil {
		t.Fatalf("maker hold ack rejected: %v", err)
	}
	if err := net.hub.sess.ProcessPacket(taker.sign(t, holdAck(net.id, hubAddr, taker.dest))); err != nil {
		t.Fatalf("taker hold ack rejected: %v", err)
	}

	// A stranger must not be able to rebind the maker's recorded key.
	rogue := testIdentity(t)
	pkt := initializedPkt(net.id, hubAddr, maker.source, rogue.PubKey())
	if err := pkt.Sign(rogue.PubKey(), rogue.PrivKey()); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := net.hub.sess.ProcessPacket(pkt); err == nil {
		t.Fatal("stranger-signed initialized accepted")
	}

	tr, ok := net.exch.Order(net.id)
	if !ok {
		t.Fatal("order lost to a stranger-signed initialized")
	}
	if !bytes.Equal(tr.A().MPubKey, maker.key.Pub()) {
		t.Error("maker session key rebound by a stranger")
	}
	if tr.State() != order.StateHold {
		t.Errorf("state = %v, want hold", tr.State())
	}

	// A party publishing a key other than the one it signs with is trying
	// to split the deposit-script key from the session key.
	if err := net.hub.sess.ProcessPacket(maker.sign(t,
		initializedPkt(net.id, hubAddr, maker.source, rogue.PubKey()))); err == nil {
		t.Fatal("initialized with a key foreign to its signer accepted")
	}
	if _, ok := net.exch.Order(net.id); ok {
		t.Error("order still open after a key-splitting initialized")
	}
}

func TestSelectUtxos(t *testing.T) {
	conn := newFakeConnector("BTC")
	candidates := []wallet.UtxoEntry{
		{TxID: chainhash.Hash{1}, Amount: 50},
		{TxID: chainhash.Hash{2}, Amount: 500_000},
		{TxID: chainhash.Hash{3}, Amount: 30_000},
	}

	used, total, fee1, fee2, err := selectUtxos(conn, candidates, 100_000)
	if err != nil {
		t.Fatalf("selectUtxos failed: %v", err)
	}
	// Largest-first: the 500k output alone covers amount plus fees.
	if len(used) != 1 || used[0].Amount != 500_000 {
		t.Errorf("used = %v, want the single largest output", used)
	}
	if total != 500_000 {
		t.Errorf("total = %d", total)
	}
	if fee1 == 0 || fee2 == 0 {
		t.Error("fees not computed")
	}

	_, _, _, _, err = selectUtxos(conn, candidates[:1], 100_000)
	if err == nil {
		t.Fatal("insufficient funds not reported")
	}
}

func TestServicesPing(t *testing.T) {
	b := newBus()
	n := newNode(t, b, nil)
	id := testIdentity(t)

	w := protocol.NewPayloadWriter()
	w.PutUint32(2)
	w.PutString("BTC")
	w.PutString("LTC")
	pkt := protocol.NewPacket(protocol.CmdServicesPing, w.Bytes())
	if err := pkt.Sign(id.PubKey(), id.PrivKey()); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := n.sess.ProcessPacket(pkt); err != nil {
		t.Errorf("services ping rejected: %v", err)
	}
}
