// Package ledgertest provides an in-memory ledger.Store for exercising the
// engine without a database. Transactions are serialized by a single mutex
// and applied copy-on-write, so a failed transaction leaves no trace, the
// same all-or-nothing behavior the Postgres store gets from BEGIN/ROLLBACK.
package ledgertest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
	"github.com/shopspring/decimal"
)

type acctKey struct {
	clientID int64
	symbol   types.CoinSymbol
}

type state struct {
	coins            map[types.CoinSymbol]models.Coin
	addrs            []models.Addr
	deposits         []models.Deposit
	withdrawals      []models.Withdrawal
	accounts         map[acctKey]models.Account
	kv               map[string]json.RawMessage
	nextDepositID    int64
	nextWithdrawalID int64
}

func newState() *state {
	return &state{
		coins:            make(map[types.CoinSymbol]models.Coin),
		accounts:         make(map[acctKey]models.Account),
		kv:               make(map[string]json.RawMessage),
		nextDepositID:    1,
		nextWithdrawalID: 1,
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.coins {
		c.coins[k] = v
	}
	c.addrs = append(c.addrs, s.addrs...)
	c.deposits = append(c.deposits, s.deposits...)
	c.withdrawals = append(c.withdrawals, s.withdrawals...)
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.kv {
		c.kv[k] = v
	}
	c.nextDepositID = s.nextDepositID
	c.nextWithdrawalID = s.nextWithdrawalID
	return c
}

// Store is an in-memory ledger.Store.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// InTx runs fn against a copy of the state and swaps the copy in only when
// fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	s.st = working
	return nil
}

func (s *Store) InsertCoin(ctx context.Context, coin *models.Coin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.coins[coin.Symbol]; ok {
		return ledger.ErrDuplicate
	}
	c := *coin
	c.State = cloneScanState(coin.State)
	c.UpdatedAt = time.Now()
	s.st.coins[coin.Symbol] = c
	return nil
}

func (s *Store) InsertAddr(ctx context.Context, addr *models.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.st.addrs {
		if a.Chain == addr.Chain && ((a.ClientID == addr.ClientID && a.Path == addr.Path) || a.Address == addr.Address) {
			return ledger.ErrDuplicate
		}
	}
	a := *addr
	a.CreatedAt = time.Now()
	s.st.addrs = append(s.st.addrs, a)
	return nil
}

func (s *Store) SetKv(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.kv[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *Store) InitKv(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.kv[key]; ok {
		return nil
	}
	s.st.kv[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *Store) GetCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getCoin(symbol)
}

func (s *Store) GetAddr(ctx context.Context, chain types.Chain, clientID int64, path string) (*models.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getAddr(chain, clientID, path)
}

func (s *Store) GetAddrByAddress(ctx context.Context, chain types.Chain, address string) (*models.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getAddrByAddress(chain, address)
}

func (s *Store) DepositExists(ctx context.Context, symbol types.CoinSymbol, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.depositExists(symbol, txHash), nil
}

func (s *Store) ListDepositsByStatus(ctx context.Context, symbol types.CoinSymbol, status types.DepositStatus) ([]models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listDepositsByStatus(symbol, status), nil
}

func (s *Store) GetDeposit(ctx context.Context, id int64) (*models.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getDeposit(id)
}

func (s *Store) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getWithdrawal(id)
}

func (s *Store) GetWithdrawalByKey(ctx context.Context, clientID int64, key string) (*models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getWithdrawalByKey(clientID, key)
}

func (s *Store) ListCreatedWithdrawals(ctx context.Context, symbol types.CoinSymbol, limit int) ([]models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listCreatedWithdrawals(symbol, limit), nil
}

func (s *Store) FirstCreatedWithdrawal(ctx context.Context, symbol types.CoinSymbol) (*models.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.firstCreatedWithdrawal(symbol)
}

func (s *Store) GetAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getAccount(clientID, symbol)
}

// memTx implements ledger.Tx against the working copy.
type memTx struct {
	st *state
}

func (t *memTx) GetCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error) {
	return t.st.getCoin(symbol)
}

func (t *memTx) LockCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error) {
	return t.st.getCoin(symbol)
}

func (t *memTx) SaveCoinState(ctx context.Context, symbol types.CoinSymbol, state models.ScanState) error {
	coin, ok := t.st.coins[symbol]
	if !ok {
		return ledger.ErrNotFound
	}
	coin.State = cloneScanState(state)
	coin.UpdatedAt = time.Now()
	t.st.coins[symbol] = coin
	return nil
}

func (t *memTx) GetAddr(ctx context.Context, chain types.Chain, clientID int64, path string) (*models.Addr, error) {
	return t.st.getAddr(chain, clientID, path)
}

func (t *memTx) GetAddrByAddress(ctx context.Context, chain types.Chain, address string) (*models.Addr, error) {
	return t.st.getAddrByAddress(chain, address)
}

func (t *memTx) DepositExists(ctx context.Context, symbol types.CoinSymbol, txHash string) (bool, error) {
	return t.st.depositExists(symbol, txHash), nil
}

func (t *memTx) ListDepositsByStatus(ctx context.Context, symbol types.CoinSymbol, status types.DepositStatus) ([]models.Deposit, error) {
	return t.st.listDepositsByStatus(symbol, status), nil
}

func (t *memTx) GetDeposit(ctx context.Context, id int64) (*models.Deposit, error) {
	return t.st.getDeposit(id)
}

func (t *memTx) InsertDeposit(ctx context.Context, d *models.Deposit) error {
	if t.st.depositExists(d.CoinSymbol, d.TxHash) {
		return ledger.ErrDuplicate
	}
	d.ID = t.st.nextDepositID
	t.st.nextDepositID++
	d.CreatedAt = time.Now()
	t.st.deposits = append(t.st.deposits, *d)
	return nil
}

func (t *memTx) ConfirmDeposit(ctx context.Context, id int64) (bool, error) {
	for i := range t.st.deposits {
		if t.st.deposits[i].ID == id {
			if t.st.deposits[i].Status != types.DepositUnconfirmed {
				return false, nil
			}
			t.st.deposits[i].Status = types.DepositConfirmed
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) FinishDeposit(ctx context.Context, id int64) error {
	for i := range t.st.deposits {
		if t.st.deposits[i].ID == id {
			if t.st.deposits[i].Status != types.DepositConfirmed {
				return ledger.ErrNotFound
			}
			t.st.deposits[i].Status = types.DepositFinished
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (t *memTx) EnsureAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) error {
	key := acctKey{clientID, symbol}
	if _, ok := t.st.accounts[key]; !ok {
		t.st.accounts[key] = models.Account{
			ClientID:   clientID,
			CoinSymbol: symbol,
			Balance:    decimal.Zero,
			UpdatedAt:  time.Now(),
		}
	}
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	return t.st.getAccount(clientID, symbol)
}

func (t *memTx) LockAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	return t.st.getAccount(clientID, symbol)
}

func (t *memTx) CreditAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error {
	key := acctKey{clientID, symbol}
	acct, ok := t.st.accounts[key]
	if !ok {
		return ledger.ErrNotFound
	}
	acct.Balance = acct.Balance.Add(amount)
	acct.UpdatedAt = time.Now()
	t.st.accounts[key] = acct
	return nil
}

func (t *memTx) DebitAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error {
	key := acctKey{clientID, symbol}
	acct, ok := t.st.accounts[key]
	if !ok {
		return ledger.ErrNotFound
	}
	if acct.Balance.LessThan(amount) {
		return ledger.ErrInsufficientBalance
	}
	acct.Balance = acct.Balance.Sub(amount)
	acct.UpdatedAt = time.Now()
	t.st.accounts[key] = acct
	return nil
}

func (t *memTx) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	return t.st.getWithdrawal(id)
}

func (t *memTx) GetWithdrawalByKey(ctx context.Context, clientID int64, key string) (*models.Withdrawal, error) {
	return t.st.getWithdrawalByKey(clientID, key)
}

func (t *memTx) ListCreatedWithdrawals(ctx context.Context, symbol types.CoinSymbol, limit int) ([]models.Withdrawal, error) {
	return t.st.listCreatedWithdrawals(symbol, limit), nil
}

func (t *memTx) FirstCreatedWithdrawal(ctx context.Context, symbol types.CoinSymbol) (*models.Withdrawal, error) {
	return t.st.firstCreatedWithdrawal(symbol)
}

func (t *memTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	for _, existing := range t.st.withdrawals {
		if existing.ClientID == w.ClientID && existing.Key == w.Key {
			return ledger.ErrDuplicate
		}
	}
	w.ID = t.st.nextWithdrawalID
	t.st.nextWithdrawalID++
	w.CreatedAt = time.Now()
	t.st.withdrawals = append(t.st.withdrawals, *w)
	return nil
}

func (t *memTx) LockCreatedWithdrawalsUpTo(ctx context.Context, symbol types.CoinSymbol, maxID int64) ([]models.Withdrawal, error) {
	var out []models.Withdrawal
	for _, w := range t.st.withdrawals {
		if w.CoinSymbol == symbol && w.Status == types.WithdrawalCreated && w.ID <= maxID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (t *memTx) SetWithdrawalNonce(ctx context.Context, id int64, nonce uint64) error {
	for i := range t.st.withdrawals {
		if t.st.withdrawals[i].ID == id {
			if t.st.withdrawals[i].Nonce != nil {
				return ledger.ErrNotFound
			}
			n := nonce
			t.st.withdrawals[i].Nonce = &n
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (t *memTx) FinishWithdrawal(ctx context.Context, id int64, txHash string, fee decimal.Decimal) error {
	for i := range t.st.withdrawals {
		if t.st.withdrawals[i].ID == id {
			if t.st.withdrawals[i].Status != types.WithdrawalCreated {
				return ledger.ErrNotFound
			}
			hash := txHash
			t.st.withdrawals[i].Status = types.WithdrawalFinished
			t.st.withdrawals[i].TxHash = &hash
			t.st.withdrawals[i].FeeAmount = fee
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (t *memTx) NextNonce(ctx context.Context, key string) (uint64, error) {
	raw, ok := t.st.kv[key]
	if !ok {
		return 0, ledger.ErrNotFound
	}
	var current uint64
	if err := json.Unmarshal(raw, &current); err != nil {
		return 0, err
	}
	next, err := json.Marshal(current + 1)
	if err != nil {
		return 0, err
	}
	t.st.kv[key] = next
	return current, nil
}

func (s *state) getCoin(symbol types.CoinSymbol) (*models.Coin, error) {
	coin, ok := s.coins[symbol]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	coin.State = cloneScanState(coin.State)
	return &coin, nil
}

func (s *state) getAccount(clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	acct, ok := s.accounts[acctKey{clientID, symbol}]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &acct, nil
}

func (s *state) getAddr(chain types.Chain, clientID int64, path string) (*models.Addr, error) {
	for _, a := range s.addrs {
		if a.Chain == chain && a.ClientID == clientID && a.Path == path {
			out := a
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *state) getAddrByAddress(chain types.Chain, address string) (*models.Addr, error) {
	for _, a := range s.addrs {
		if a.Chain == chain && a.Address == address {
			out := a
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *state) depositExists(symbol types.CoinSymbol, txHash string) bool {
	for _, d := range s.deposits {
		if d.CoinSymbol == symbol && d.TxHash == txHash {
			return true
		}
	}
	return false
}

func (s *state) listDepositsByStatus(symbol types.CoinSymbol, status types.DepositStatus) []models.Deposit {
	var out []models.Deposit
	for _, d := range s.deposits {
		if d.CoinSymbol == symbol && d.Status == status {
			out = append(out, d)
		}
	}
	return out
}

func (s *state) getDeposit(id int64) (*models.Deposit, error) {
	for _, d := range s.deposits {
		if d.ID == id {
			out := d
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *state) getWithdrawal(id int64) (*models.Withdrawal, error) {
	for _, w := range s.withdrawals {
		if w.ID == id {
			out := w
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *state) getWithdrawalByKey(clientID int64, key string) (*models.Withdrawal, error) {
	for _, w := range s.withdrawals {
		if w.ClientID == clientID && w.Key == key {
			out := w
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (s *state) listCreatedWithdrawals(symbol types.CoinSymbol, limit int) []models.Withdrawal {
	var out []models.Withdrawal
	for _, w := range s.withdrawals {
		if w.CoinSymbol == symbol && w.Status == types.WithdrawalCreated {
			out = append(out, w)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (s *state) firstCreatedWithdrawal(symbol types.CoinSymbol) (*models.Withdrawal, error) {
	for _, w := range s.withdrawals {
		if w.CoinSymbol == symbol && w.Status == types.WithdrawalCreated {
			out := w
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func cloneScanState(in models.ScanState) models.ScanState {
	var out models.ScanState
	if in.UTXO != nil {
		u := *in.UTXO
		out.UTXO = &u
	}
	if in.Account != nil {
		a := *in.Account
		out.Account = &a
	}
	return out
}
