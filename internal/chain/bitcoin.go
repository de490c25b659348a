package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
)

// BitcoinRPC implements BitcoinClient against a bitcoind-compatible node
// wallet over JSON-RPC. The underlying client does not take contexts; the
// ctx parameters bound nothing beyond the library's own HTTP timeouts.
type BitcoinRPC struct {
	client *rpcclient.Client
	params *chaincfg.Params
}

// BitcoinRPCConfig holds node wallet connection settings.
type BitcoinRPCConfig struct {
	Host     string
	User     string
	Password string
	Params   *chaincfg.Params
}

// NewBitcoinRPC connects to the node wallet in HTTP POST mode.
func NewBitcoinRPC(cfg *BitcoinRPCConfig) (*BitcoinRPC, error) {
	if cfg == nil || cfg.Params == nil {
		return nil, fmt.Errorf("bitcoin rpc configuration is required")
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to bitcoin node: %w", err)
	}
	return &BitcoinRPC{client: client, params: cfg.Params}, nil
}

// Shutdown closes the underlying RPC client.
func (b *BitcoinRPC) Shutdown() { b.client.Shutdown() }

// Ping checks node reachability for the health endpoint.
func (b *BitcoinRPC) Ping(context.Context) error {
	if err := b.client.Ping(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// listTransactionsResult mirrors the listtransactions entries the engine
// reads, including the comment field the typed helper omits.
type listTransactionsResult struct {
	Address       string  `json:"address"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Fee           float64 `json:"fee"`
	Comment       string  `json:"comment"`
	TxID          string  `json:"txid"`
	Confirmations int64   `json:"confirmations"`
}

// ListTransactions pages the wallet history via a raw request so the
// per-entry comment set by SendMany is available.
func (b *BitcoinRPC) ListTransactions(_ context.Context, account string, count, from int) ([]WalletTx, error) {
	params := make([]json.RawMessage, 0, 3)
	for _, v := range []interface{}{account, count, from} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	raw, err := b.client.RawRequest("listtransactions", params)
	if err != nil {
		return nil, fmt.Errorf("%w: listtransactions: %v", ErrUnavailable, err)
	}
	var results []listTransactionsResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decoding listtransactions response: %w", err)
	}
	txs := make([]WalletTx, 0, len(results))
	for _, r := range results {
		txs = append(txs, WalletTx{
			TxID:          r.TxID,
			Address:       r.Address,
			Category:      r.Category,
			Amount:        decimal.NewFromFloat(r.Amount).Truncate(8),
			Fee:           decimal.NewFromFloat(r.Fee).Truncate(8),
			Comment:       r.Comment,
			Confirmations: r.Confirmations,
		})
	}
	return txs, nil
}

func (b *BitcoinRPC) GetTransaction(_ context.Context, txid string) (*TxInfo, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	res, err := b.client.GetTransaction(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: gettransaction %s: %v", ErrUnavailable, txid, err)
	}
	info := &TxInfo{
		TxID:          res.TxID,
		Fee:           decimal.NewFromFloat(res.Fee).Truncate(8),
		Confirmations: res.Confirmations,
	}
	for _, d := range res.Details {
		info.Details = append(info.Details, TxDetail{
			Address:  d.Address,
			Category: d.Category,
			Amount:   decimal.NewFromFloat(d.Amount).Truncate(8),
		})
	}
	return info, nil
}

func (b *BitcoinRPC) SendMany(_ context.Context, account string, outputs map[string]decimal.Decimal, minConf int64, comment string) (string, error) {
	amounts := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	for recipient, amount := range outputs {
		addr, err := btcutil.DecodeAddress(recipient, b.params)
		if err != nil {
			return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
		}
		// ledger amounts carry exactly 8 decimals, so the shift is exact
		amounts[addr] = btcutil.Amount(amount.Shift(8).IntPart())
	}
	hash, err := b.client.SendManyComment(account, amounts, int(minConf), comment)
	if err != nil {
		return "", fmt.Errorf("%w: sendmany: %v", ErrUnavailable, err)
	}
	return hash.String(), nil
}

func (b *BitcoinRPC) EstimateFeeRate(_ context.Context, confTarget int64) (decimal.Decimal, error) {
	mode := btcjson.EstimateModeConservative
	res, err := b.client.EstimateSmartFee(confTarget, &mode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: estimatesmartfee: %v", ErrUnavailable, err)
	}
	if res.FeeRate == nil {
		return decimal.Zero, fmt.Errorf("estimatesmartfee returned no fee rate")
	}
	return decimal.NewFromFloat(*res.FeeRate).Truncate(8), nil
}

func (b *BitcoinRPC) SetFeeRate(_ context.Context, rate decimal.Decimal) error {
	if err := b.client.SetTxFee(btcutil.Amount(rate.Shift(8).IntPart())); err != nil {
		return fmt.Errorf("%w: settxfee: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *BitcoinRPC) ImportAddressKey(_ context.Context, wifStr, label string) error {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return fmt.Errorf("decoding wif: %w", err)
	}
	// no rescan: the key is fresh, its history is empty
	if err := b.client.ImportPrivKeyRescan(wif, label, false); err != nil {
		return fmt.Errorf("%w: importprivkey: %v", ErrUnavailable, err)
	}
	return nil
}
