package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hotwallet-engine/internal/ledger"
	"github.com/hotwallet-engine/internal/models"
	"github.com/hotwallet-engine/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// querier is the query surface shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore is the Postgres implementation of ledger.Store.
type LedgerStore struct {
	db *PostgresDB
	queries
}

// NewLedgerStore creates a ledger store over the connection pool.
func NewLedgerStore(db *PostgresDB) *LedgerStore {
	return &LedgerStore{db: db, queries: queries{q: db.Pool()}}
}

// InTx runs fn inside a single database transaction.
func (s *LedgerStore) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	pgtx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = pgtx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	if err := fn(&ledgerTx{tx: pgtx, queries: queries{q: pgtx}}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertCoin creates a coin row with its initial scan state.
func (s *LedgerStore) InsertCoin(ctx context.Context, coin *models.Coin) error {
	state, err := json.Marshal(coin.State)
	if err != nil {
		return fmt.Errorf("failed to marshal scan state: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO coin (
			symbol, chain, deposit_fee_amount, deposit_fee_symbol,
			withdrawal_fee_amount, withdrawal_fee_symbol, scan_state
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		coin.Symbol,
		coin.Chain,
		coin.DepositFeeAmount.String(),
		coin.DepositFeeSymbol,
		coin.WithdrawalFeeAmount.String(),
		coin.WithdrawalFeeSymbol,
		state,
	)
	if err != nil {
		return mapError("failed to create coin", err)
	}
	return nil
}

// InsertAddr creates an address row.
func (s *LedgerStore) InsertAddr(ctx context.Context, addr *models.Addr) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO addr (chain, client_id, path, address)
		VALUES ($1, $2, $3, $4)
	`, addr.Chain, addr.ClientID, addr.Path, addr.Address)
	if err != nil {
		return mapError("failed to create addr", err)
	}
	return nil
}

// SetKv upserts a kv_pair row.
func (s *LedgerStore) SetKv(ctx context.Context, key string, value []byte) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO kv_pair (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set kv pair: %w", err)
	}
	return nil
}

// InitKv inserts a kv_pair row if the key is absent, leaving existing
// values untouched.
func (s *LedgerStore) InitKv(ctx context.Context, key string, value []byte) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO kv_pair (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to init kv pair: %w", err)
	}
	return nil
}

// ledgerTx is the Postgres implementation of ledger.Tx.
type ledgerTx struct {
	tx pgx.Tx
	queries
}

func (t *ledgerTx) LockCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error) {
	return t.getCoin(ctx, symbol, true)
}

func (t *ledgerTx) SaveCoinState(ctx context.Context, symbol types.CoinSymbol, state models.ScanState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal scan state: %w", err)
	}
	tag, err := t.q.Exec(ctx, `
		UPDATE coin SET scan_state = $2, updated_at = NOW() WHERE symbol = $1
	`, symbol, raw)
	if err != nil {
		return fmt.Errorf("failed to save coin state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) InsertDeposit(ctx context.Context, d *models.Deposit) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO deposit (
			coin_symbol, client_id, addr_path, amount, fee_amount, fee_symbol,
			status, tx_hash, block_hash, block_height, sender, recipient
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`,
		d.CoinSymbol,
		d.ClientID,
		d.AddrPath,
		d.Amount.String(),
		d.FeeAmount.String(),
		d.FeeSymbol,
		d.Status,
		d.TxHash,
		d.BlockHash,
		int64(d.BlockHeight), // #nosec G115 - block heights fit in int64
		d.Sender,
		d.Recipient,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return mapError("failed to create deposit", err)
	}
	return nil
}

func (t *ledgerTx) ConfirmDeposit(ctx context.Context, id int64) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		UPDATE deposit SET status = $2 WHERE id = $1 AND status = $3
	`, id, types.DepositConfirmed, types.DepositUnconfirmed)
	if err != nil {
		return false, fmt.Errorf("failed to confirm deposit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) FinishDeposit(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE deposit SET status = $2 WHERE id = $1 AND status = $3
	`, id, types.DepositFinished, types.DepositConfirmed)
	if err != nil {
		return fmt.Errorf("failed to finish deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) EnsureAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO account (client_id, coin_symbol, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (client_id, coin_symbol) DO NOTHING
	`, clientID, symbol)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (t *ledgerTx) LockAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	return t.getAccount(ctx, clientID, symbol, true)
}

func (t *ledgerTx) CreditAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE account
		SET balance = balance + $3::numeric, updated_at = NOW()
		WHERE client_id = $1 AND coin_symbol = $2
	`, clientID, symbol, amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) DebitAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, amount decimal.Decimal) error {
	// Conditional update keeps the non-negative balance invariant inside
	// the database even if a caller skips the row lock.
	tag, err := t.q.Exec(ctx, `
		UPDATE account
		SET balance = balance - $3::numeric, updated_at = NOW()
		WHERE client_id = $1 AND coin_symbol = $2 AND balance >= $3::numeric
	`, clientID, symbol, amount.String())
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := t.getAccount(ctx, clientID, symbol, false); err != nil {
			return err
		}
		return ledger.ErrInsufficientBalance
	}
	return nil
}

func (t *ledgerTx) InsertWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO withdrawal (
			client_id, key, coin_symbol, recipient, memo,
			amount, fee_amount, fee_symbol, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`,
		w.ClientID,
		w.Key,
		w.CoinSymbol,
		w.Recipient,
		w.Memo,
		w.Amount.String(),
		w.FeeAmount.String(),
		w.FeeSymbol,
		w.Status,
	).Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		return mapError("failed to create withdrawal", err)
	}
	return nil
}

func (t *ledgerTx) LockCreatedWithdrawalsUpTo(ctx context.Context, symbol types.CoinSymbol, maxID int64) ([]models.Withdrawal, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal
		WHERE coin_symbol = $1 AND status = $2 AND id <= $3
		ORDER BY id
		FOR UPDATE
	`, symbol, types.WithdrawalCreated, maxID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock withdrawals: %w", err)
	}
	return scanWithdrawals(rows)
}

func (t *ledgerTx) SetWithdrawalNonce(ctx context.Context, id int64, nonce uint64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawal SET nonce = $2 WHERE id = $1 AND nonce IS NULL
	`, id, int64(nonce)) // #nosec G115 - nonces fit in int64
	if err != nil {
		return fmt.Errorf("failed to set withdrawal nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) FinishWithdrawal(ctx context.Context, id int64, txHash string, fee decimal.Decimal) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawal
		SET status = $2, tx_hash = $3, fee_amount = $4::numeric
		WHERE id = $1 AND status = $5
	`, id, types.WithdrawalFinished, txHash, fee.String(), types.WithdrawalCreated)
	if err != nil {
		return fmt.Errorf("failed to finish withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) NextNonce(ctx context.Context, key string) (uint64, error) {
	var raw []byte
	err := t.q.QueryRow(ctx, `
		SELECT value FROM kv_pair WHERE key = $1 FOR UPDATE
	`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("nonce counter %q: %w", key, ledger.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock nonce counter: %w", err)
	}

	var current uint64
	if err := json.Unmarshal(raw, &current); err != nil {
		return 0, fmt.Errorf("nonce counter %q holds non-numeric value: %w", key, err)
	}

	next, err := json.Marshal(current + 1)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal nonce counter: %w", err)
	}
	if _, err := t.q.Exec(ctx, `
		UPDATE kv_pair SET value = $2 WHERE key = $1
	`, key, next); err != nil {
		return 0, fmt.Errorf("failed to advance nonce counter: %w", err)
	}
	return current, nil
}

// queries implements ledger.Reader over either the pool or a transaction.
type queries struct {
	q querier
}

const coinColumns = `
	symbol, chain, deposit_fee_amount::text, deposit_fee_symbol,
	withdrawal_fee_amount::text, withdrawal_fee_symbol, scan_state, updated_at
`

func (r queries) GetCoin(ctx context.Context, symbol types.CoinSymbol) (*models.Coin, error) {
	return r.getCoin(ctx, symbol, false)
}

func (r queries) getCoin(ctx context.Context, symbol types.CoinSymbol, forUpdate bool) (*models.Coin, error) {
	query := `SELECT ` + coinColumns + ` FROM coin WHERE symbol = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		coin          models.Coin
		depositFee    string
		withdrawalFee string
		state         []byte
	)
	err := r.q.QueryRow(ctx, query, symbol).Scan(
		&coin.Symbol,
		&coin.Chain,
		&depositFee,
		&coin.DepositFeeSymbol,
		&withdrawalFee,
		&coin.WithdrawalFeeSymbol,
		&state,
		&coin.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin: %w", err)
	}

	if coin.DepositFeeAmount, err = decimal.NewFromString(depositFee); err != nil {
		return nil, fmt.Errorf("failed to parse deposit fee amount: %w", err)
	}
	if coin.WithdrawalFeeAmount, err = decimal.NewFromString(withdrawalFee); err != nil {
		return nil, fmt.Errorf("failed to parse withdrawal fee amount: %w", err)
	}
	if err := json.Unmarshal(state, &coin.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan state: %w", err)
	}
	return &coin, nil
}

func (r queries) GetAddr(ctx context.Context, chain types.Chain, clientID int64, path string) (*models.Addr, error) {
	return r.scanAddr(r.q.QueryRow(ctx, `
		SELECT chain, client_id, path, address, created_at
		FROM addr
		WHERE chain = $1 AND client_id = $2 AND path = $3
	`, chain, clientID, path))
}

func (r queries) GetAddrByAddress(ctx context.Context, chain types.Chain, address string) (*models.Addr, error) {
	return r.scanAddr(r.q.QueryRow(ctx, `
		SELECT chain, client_id, path, address, created_at
		FROM addr
		WHERE chain = $1 AND address = $2
	`, chain, address))
}

func (r queries) scanAddr(row pgx.Row) (*models.Addr, error) {
	var addr models.Addr
	err := row.Scan(&addr.Chain, &addr.ClientID, &addr.Path, &addr.Address, &addr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get addr: %w", err)
	}
	return &addr, nil
}

func (r queries) DepositExists(ctx context.Context, symbol types.CoinSymbol, txHash string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deposit WHERE coin_symbol = $1 AND tx_hash = $2
		)
	`, symbol, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check deposit existence: %w", err)
	}
	return exists, nil
}

const depositColumns = `
	id, coin_symbol, client_id, addr_path, amount::text, fee_amount::text,
	fee_symbol, status, tx_hash, block_hash, block_height, sender, recipient,
	created_at
`

func (r queries) ListDepositsByStatus(ctx context.Context, symbol types.CoinSymbol, status types.DepositStatus) ([]models.Deposit, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+depositColumns+`
		FROM deposit
		WHERE coin_symbol = $1 AND status = $2
		ORDER BY id
	`, symbol, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func (r queries) GetDeposit(ctx context.Context, id int64) (*models.Deposit, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+depositColumns+` FROM deposit WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get deposit: %w", err)
		}
		return nil, ledger.ErrNotFound
	}
	return scanDeposit(rows)
}

func scanDeposit(rows pgx.Rows) (*models.Deposit, error) {
	var (
		d           models.Deposit
		amount      string
		fee         string
		blockHeight int64
	)
	err := rows.Scan(
		&d.ID,
		&d.CoinSymbol,
		&d.ClientID,
		&d.AddrPath,
		&amount,
		&fee,
		&d.FeeSymbol,
		&d.Status,
		&d.TxHash,
		&d.BlockHash,
		&blockHeight,
		&d.Sender,
		&d.Recipient,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan deposit: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse deposit amount: %w", err)
	}
	if d.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse deposit fee: %w", err)
	}
	d.BlockHeight = uint64(blockHeight) // #nosec G115 - heights are non-negative
	return &d, nil
}

const withdrawalColumns = `
	id, client_id, key, coin_symbol, recipient, memo, amount::text,
	fee_amount::text, fee_symbol, status, nonce, tx_hash, created_at
`

func (r queries) GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error) {
	return r.oneWithdrawal(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal WHERE id = $1
	`, id)
}

func (r queries) GetWithdrawalByKey(ctx context.Context, clientID int64, key string) (*models.Withdrawal, error) {
	return r.oneWithdrawal(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal WHERE client_id = $1 AND key = $2
	`, clientID, key)
}

func (r queries) FirstCreatedWithdrawal(ctx context.Context, symbol types.CoinSymbol) (*models.Withdrawal, error) {
	return r.oneWithdrawal(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal
		WHERE coin_symbol = $1 AND status = $2
		ORDER BY id
		LIMIT 1
	`, symbol, types.WithdrawalCreated)
}

func (r queries) oneWithdrawal(ctx context.Context, query string, args ...any) (*models.Withdrawal, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get withdrawal: %w", err)
		}
		return nil, ledger.ErrNotFound
	}
	return scanWithdrawal(rows)
}

func (r queries) ListCreatedWithdrawals(ctx context.Context, symbol types.CoinSymbol, limit int) ([]models.Withdrawal, error) {
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawal
		WHERE coin_symbol = $1 AND status = $2
		ORDER BY id
	`
	args := []any{symbol, types.WithdrawalCreated}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return scanWithdrawals(rows)
}

func scanWithdrawals(rows pgx.Rows) ([]models.Withdrawal, error) {
	defer rows.Close()

	var withdrawals []models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, rows.Err()
}

func scanWithdrawal(rows pgx.Rows) (*models.Withdrawal, error) {
	var (
		w      models.Withdrawal
		amount string
		fee    string
		nonce  *int64
	)
	err := rows.Scan(
		&w.ID,
		&w.ClientID,
		&w.Key,
		&w.CoinSymbol,
		&w.Recipient,
		&w.Memo,
		&amount,
		&fee,
		&w.FeeSymbol,
		&w.Status,
		&nonce,
		&w.TxHash,
		&w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse withdrawal amount: %w", err)
	}
	if w.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse withdrawal fee: %w", err)
	}
	if nonce != nil {
		n := uint64(*nonce) // #nosec G115 - nonces are non-negative
		w.Nonce = &n
	}
	return &w, nil
}

func (r queries) GetAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol) (*models.Account, error) {
	return r.getAccount(ctx, clientID, symbol, false)
}

func (r queries) getAccount(ctx context.Context, clientID int64, symbol types.CoinSymbol, forUpdate bool) (*models.Account, error) {
	query := `
		SELECT client_id, coin_symbol, balance::text, updated_at
		FROM account
		WHERE client_id = $1 AND coin_symbol = $2
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		acct    models.Account
		balance string
	)
	err := r.q.QueryRow(ctx, query, clientID, symbol).Scan(
		&acct.ClientID,
		&acct.CoinSymbol,
		&balance,
		&acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if acct.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse account balance: %w", err)
	}
	return &acct, nil
}

// mapError translates unique violations into ledger.ErrDuplicate.
func mapError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ledger.ErrDuplicate
	}
	return fmt.Errorf("%s: %w", msg, err)
}
