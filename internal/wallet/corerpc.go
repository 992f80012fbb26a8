package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crosshub-exchange/crosshub/internal/protocol"
)

// rpcTxNotFound is the Bitcoin Core error code for an unknown transaction.
const rpcTxNotFound = -5

// CoreRPCConfig configures a connector for one Bitcoin-Core-family wallet.
type CoreRPCConfig struct {
	Currency    string
	RPCURL      string
	RPCUser     string
	RPCPassword string
	Params      *chaincfg.Params

	Dust          uint64
	FeePerByte    uint64
	MakerLockTime uint32
	TakerLockTime uint32
}

// CoreRPCConnector implements Connector against a Bitcoin-Core-family
// wallet daemon over HTTP JSON-RPC. Funding legs are assembled and signed
// by the wallet; refund and payment legs are built locally so they can
// spend the swap lock script with the one-time M key.
type CoreRPCConnector struct {
	cfg        CoreRPCConfig
	httpClient *http.Client
	requestID  atomic.Uint64
}

// ParamsForNetwork maps a configured network name to chain parameters.
// Unknown names fall back to mainnet.
func ParamsForNetwork(name string) *chaincfg.Params {
	switch name {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "simnet":
		return &chaincfg.SimNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// NewCoreRPCConnector creates a connector for one currency.
func NewCoreRPCConnector(cfg CoreRPCConfig) *CoreRPCConnector {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.FeePerByte == 0 {
		cfg.FeePerByte = 10
	}
	return &CoreRPCConnector{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// rpcError is a JSON-RPC error returned by the wallet daemon.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *CoreRPCConnector) call(method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "1.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.RPCURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.RPCUser != "" {
		req.SetBasicAuth(c.cfg.RPCUser, c.cfg.RPCPassword)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrRPC, err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRPC, response.Error.Error())
	}

	return response.Result, nil
}

// Currency returns the configured currency code.
func (c *CoreRPCConnector) Currency() string { return c.cfg.Currency }

// DustThreshold returns the smallest acceptable order amount.
func (c *CoreRPCConnector) DustThreshold() uint64 { return c.cfg.Dust }

// toBTC renders a satoshi amount as the daemon's decimal string.
func toBTC(amount uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d.%08d", amount/1e8, amount%1e8))
}

// GetUnspent lists spendable outputs of the wallet.
func (c *CoreRPCConnector) GetUnspent() ([]UtxoEntry, error) {
	res, err := c.call("listunspent", []interface{}{1})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		TxID      string  `json:"txid"`
		Vout      uint32  `json:"vout"`
		Address   string  `json:"address"`
		Amount    float64 `json:"amount"`
		Spendable bool    `json:"spendable"`
	}
	if err := json.Unmarshal(res, &raw); err != nil {
		return nil, fmt.Errorf("%w: bad listunspent result: %v", ErrRPC, err)
	}

	entries := make([]UtxoEntry, 0, len(raw))
	for _, u := range raw {
		if !u.Spendable {
			continue
		}
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil || amount <= 0 {
			continue
		}
		rawAddr, err := c.DecodeAddress(u.Address)
		if err != nil {
			continue
		}
		entries = append(entries, UtxoEntry{
			TxID:       *txid,
			Vout:       u.Vout,
			Amount:     uint64(amount),
			Address:    u.Address,
			RawAddress: rawAddr,
		})
	}
	return entries, nil
}

// CheckUtxo verifies the output still exists unspent on chain.
func (c *CoreRPCConnector) CheckUtxo(entry UtxoEntry) error {
	res, err := c.call("gettxout", []interface{}{entry.TxID.String(), entry.Vout, true})
	if err != nil {
		return err
	}
	if len(res) == 0 || bytes.Equal(res, []byte("null")) {
		return fmt.Errorf("output %s not found or already spent", entry.Outpoint())
	}
	return nil
}

// GetNewAddress returns a fresh wallet address. Legacy type keeps the
// change and refund outputs spendable by the deposit-leg signer.
func (c *CoreRPCConnector) GetNewAddress() (string, error) {
	res, err := c.call("getnewaddress", []interface{}{"", "legacy"})
	if err != nil {
		return "", err
	}
	var addr string
	if err := json.Unmarshal(res, &addr); err != nil {
		return "", fmt.Errorf("%w: bad getnewaddress result: %v", ErrRPC, err)
	}
	return addr, nil
}

// DecodeAddress converts an address string to its 20-byte hash form.
func (c *CoreRPCConnector) DecodeAddress(addr string) (protocol.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, c.cfg.Params)
	if err != nil {
		return protocol.Address{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	h := decoded.ScriptAddress()
	if len(h) != protocol.AddressSize {
		return protocol.Address{}, fmt.Errorf("address %q has unsupported %d-byte program", addr, len(h))
	}
	return protocol.AddressFromBytes(h), nil
}

// ScriptAddress returns the P2SH address paying into a lock script.
func (c *CoreRPCConnector) ScriptAddress(script []byte) (string, error) {
	return DepositScriptAddress(script, c.cfg.Params)
}

// CreateDepositTransaction builds and signs the deposit leg through the
// wallet daemon. Output order is preserved: index 0 is the lock script
// address, so the refund and payment legs always spend vout 0.
func (c *CoreRPCConnector) CreateDepositTransaction(inputs []TxIn, outputs []TxOut) (string, []byte, error) {
	ins := make([]map[string]interface{}, 0, len(inputs))
	for _, in := range inputs {
		ins = append(ins, map[string]interface{}{
			"txid": in.TxID,
			"vout": in.Vout,
		})
	}
	outs := make([]map[string]json.RawMessage, 0, len(outputs))
	for _, out := range outputs {
		outs = append(outs, map[string]json.RawMessage{
			out.Address: toBTC(out.Amount),
		})
	}

	res, err := c.call("createrawtransaction", []interface{}{ins, outs})
	if err != nil {
		return "", nil, err
	}
	var unsigned string
	if err := json.Unmarshal(res, &unsigned); err != nil {
		return "", nil, fmt.Errorf("%w: bad createrawtransaction result: %v", ErrRPC, err)
	}

	res, err = c.call("signrawtransactionwithwallet", []interface{}{unsigned})
	if err != nil {
		return "", nil, err
	}
	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(res, &signed); err != nil {
		return "", nil, fmt.Errorf("%w: bad sign result: %v", ErrRPC, err)
	}
	if !signed.Complete {
		return "", nil, errors.New("wallet could not fully sign deposit transaction")
	}

	rawTx, err := hex.DecodeString(signed.Hex)
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad signed tx hex: %v", ErrRPC, err)
	}
	txid, err := txidOf(rawTx)
	if err != nil {
		return "", nil, err
	}
	return txid, rawTx, nil
}

// CreateRefundTransaction pre-signs the time-locked refund spending the
// deposit back to its owner through the OP_IF branch of the lock script.
func (c *CoreRPCConnector) CreateRefundTransaction(inputs []TxIn, outputs []TxOut,
	myPubkey, myPrivkey, lockScript []byte, lockTime uint32) (string, []byte, error) {

	tx, err := c.buildSpend(inputs, outputs)
	if err != nil {
		return "", nil, err
	}
	tx.LockTime = lockTime
	// Sequence below final, otherwise CHECKLOCKTIMEVERIFY fails.
	tx.TxIn[0].Sequence = 0

	sig, err := signLockScript(tx, myPrivkey, lockScript)
	if err != nil {
		return "", nil, err
	}
	scriptSig, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(myPubkey).
		AddInt64(1).
		AddData(lockScript).
		Script()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build refund scriptSig: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig

	return serializeTx(tx)
}

// CreatePaymentTransaction signs the payment spending the counterparty
// deposit through the OP_ELSE branch, revealing secret in the scriptSig.
func (c *CoreRPCConnector) CreatePaymentTransaction(inputs []TxIn, outputs []TxOut,
	myPubkey, myPrivkey, secret, lockScript []byte) (string, []byte, error) {

	tx, err := c.buildSpend(inputs, outputs)
	if err != nil {
		return "", nil, err
	}

	sig, err := signLockScript(tx, myPrivkey, lockScript)
	if err != nil {
		return "", nil, err
	}
	scriptSig, err := txscript.NewScriptBuilder().
		AddData(sig).
		AddData(myPubkey).
		AddData(secret).
		AddInt64(0).
		AddData(lockScript).
		Script()
	if err != nil {
		return "", nil, fmt.Errorf("failed to build payment scriptSig: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig

	return serializeTx(tx)
}

// buildSpend assembles an unsigned transaction spending the lock-script
// output. The swap legs always spend exactly one input.
func (c *CoreRPCConnector) buildSpend(inputs []TxIn, outputs []TxOut) (*wire.MsgTx, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("lock-script spend needs exactly 1 input, got %d", len(inputs))
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	txid, err := chainhash.NewHashFromStr(inputs[0].TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid input txid: %w", err)
	}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txid, inputs[0].Vout), nil, nil))

	for _, out := range outputs {
		addr, err := btcutil.DecodeAddress(out.Address, c.cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid output address %q: %w", out.Address, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to build output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(out.Amount), pkScript))
	}
	return tx, nil
}

// SendRawTransaction broadcasts a raw transaction.
func (c *CoreRPCConnector) SendRawTransaction(rawTx []byte) (string, error) {
	res, err := c.call("sendrawtransaction", []interface{}{hex.EncodeToString(rawTx)})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(res, &txid); err != nil {
		return "", fmt.Errorf("%w: bad sendrawtransaction result: %v", ErrRPC, err)
	}
	return txid, nil
}

// CheckTransaction reports whether txid is confirmed. A transaction the
// daemon does not know yet counts as unconfirmed, not as an error.
func (c *CoreRPCConnector) CheckTransaction(txid string) (bool, error) {
	res, err := c.call("getrawtransaction", []interface{}{txid, true})
	if err != nil {
		if isTxNotFound(err) {
			return false, nil
		}
		return false, err
	}
	var info struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := json.Unmarshal(res, &info); err != nil {
		return false, fmt.Errorf("%w: bad getrawtransaction result: %v", ErrRPC, err)
	}
	return info.Confirmations > 0, nil
}

// LockTime returns the absolute refund lock time for a role. The maker
// window is strictly longer so the taker can always exit first.
func (c *CoreRPCConnector) LockTime(role Role) uint32 {
	now := uint32(time.Now().Unix())
	if role == RoleMaker {
		return now + c.cfg.MakerLockTime
	}
	return now + c.cfg.TakerLockTime
}

// MinTxFee estimates the minimum fee for a transaction shape.
func (c *CoreRPCConnector) MinTxFee(nInputs, nOutputs int) uint64 {
	size := uint64(nInputs)*148 + uint64(nOutputs)*34 + 10
	fee := size * c.cfg.FeePerByte
	if fee < 1000 {
		fee = 1000
	}
	return fee
}

// SignUtxo produces the ownership signature carried with a pledged output,
// signing the outpoint string with the output's wallet key.
func (c *CoreRPCConnector) SignUtxo(entry *UtxoEntry) error {
	res, err := c.call("signmessage", []interface{}{entry.Address, entry.Outpoint().String()})
	if err != nil {
		return err
	}
	var encoded string
	if err := json.Unmarshal(res, &encoded); err != nil {
		return fmt.Errorf("%w: bad signmessage result: %v", ErrRPC, err)
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: bad signmessage encoding: %v", ErrRPC, err)
	}
	// Drop the recovery header, the wire slot carries the 64-byte r||s.
	if len(sig) == 65 {
		sig = sig[1:]
	}
	entry.Signature = sig
	return nil
}

// SendMarkerTransaction publishes an OP_RETURN output carrying data,
// funded and signed by the wallet.
func (c *CoreRPCConnector) SendMarkerTransaction(data []byte) (string, error) {
	outs := []map[string]interface{}{
		{"data": hex.EncodeToString(data)},
	}
	res, err := c.call("createrawtransaction", []interface{}{[]struct{}{}, outs})
	if err != nil {
		return "", err
	}
	var unsigned string
	if err := json.Unmarshal(res, &unsigned); err != nil {
		return "", fmt.Errorf("%w: bad createrawtransaction result: %v", ErrRPC, err)
	}

	res, err = c.call("fundrawtransaction", []interface{}{unsigned})
	if err != nil {
		return "", err
	}
	var funded struct {
		Hex string `json:"hex"`
	}
	if err := json.Unmarshal(res, &funded); err != nil {
		return "", fmt.Errorf("%w: bad fundrawtransaction result: %v", ErrRPC, err)
	}

	res, err = c.call("signrawtransactionwithwallet", []interface{}{funded.Hex})
	if err != nil {
		return "", err
	}
	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(res, &signed); err != nil {
		return "", fmt.Errorf("%w: bad sign result: %v", ErrRPC, err)
	}
	if !signed.Complete {
		return "", errors.New("wallet could not sign marker transaction")
	}

	raw, err := hex.DecodeString(signed.Hex)
	if err != nil {
		return "", fmt.Errorf("%w: bad signed tx hex: %v", ErrRPC, err)
	}
	return c.SendRawTransaction(raw)
}

// signLockScript signs input 0 of tx against the lock script with a
// one-time M key.
func signLockScript(tx *wire.MsgTx, privkey, lockScript []byte) ([]byte, error) {
	if len(privkey) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privkey))
	}
	priv, _ := btcec.PrivKeyFromBytes(privkey)
	sig, err := txscript.RawTxInSignature(tx, 0, lockScript, txscript.SigHashAll, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign lock script spend: %w", err)
	}
	return sig, nil
}

func serializeTx(tx *wire.MsgTx) (string, []byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return tx.TxHash().String(), buf.Bytes(), nil
}

func txidOf(rawTx []byte) (string, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("%w: undecodable signed tx: %v", ErrRPC, err)
	}
	return tx.TxHash().String(), nil
}

// isTxNotFound reports whether err is the daemon's unknown-transaction
// error rather than a transport failure.
func isTxNotFound(err error) bool {
	return errors.Is(err, ErrRPC) &&
		bytes.Contains([]byte(err.Error()), []byte(fmt.Sprintf("rpc error %d", rpcTxNotFound)))
}
