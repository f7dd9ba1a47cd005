// Package ledger implements the double-entry accounting trail backing the
// Portfolio: every trade posts balanced debit/credit entries across an
// asset account, the USDT cash account, and the trading-fees account, so
// the system's cash and inventory balances are independently auditable
// from portfolio.Portfolio's own running totals.
package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"tradingcore/internal/core"
	apperrors "tradingcore/pkg/errors"
)

const (
	cashAccount = "cash:USDT"
	feesAccount = "fees:trading"
)

func assetAccount(symbol string) string {
	return "asset:" + symbol
}

// entry is one posting within a balanced transaction.
type entry struct {
	account string
	debit   decimal.Decimal
	credit  decimal.Decimal
}

// Ledger is the double-entry ledger (C9), backed by SQLite.
type Ledger struct {
	db *sql.DB
}

// Open creates/attaches the ledger database at dbPath and ensures its
// schema exists.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("ledger: enable WAL: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.createTables(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			transaction_id TEXT NOT NULL,
			account TEXT NOT NULL,
			debit TEXT NOT NULL,
			credit TEXT NOT NULL,
			balance_after TEXT NOT NULL,
			symbol TEXT,
			side TEXT,
			qty TEXT,
			price TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS account_balances (
			account TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transaction_id ON ledger_entries(transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON ledger_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_account ON ledger_entries(account)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: create schema: %w", err)
		}
	}
	return nil
}

// RecordTrade posts one trade as a balanced double-entry transaction,
// satisfying portfolio.LedgerRecorder.
//
// Buy:  Debit asset + Debit fees = Credit cash
// Sell: Debit cash + Debit fees = Credit asset
func (l *Ledger) RecordTrade(symbol string, side core.Side, qty, price, fee decimal.Decimal, timestamp int64) error {
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}
	notional := qty.Mul(price)

	var entries []entry
	if side == core.SideBuy {
		entries = []entry{
			{account: assetAccount(symbol), debit: notional, credit: decimal.Zero},
			{account: feesAccount, debit: fee, credit: decimal.Zero},
			{account: cashAccount, debit: decimal.Zero, credit: notional.Add(fee)},
		}
	} else {
		entries = []entry{
			{account: cashAccount, debit: notional.Sub(fee), credit: decimal.Zero},
			{account: feesAccount, debit: fee, credit: decimal.Zero},
			{account: assetAccount(symbol), debit: decimal.Zero, credit: notional},
		}
	}

	totalDebit, totalCredit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		totalDebit = totalDebit.Add(e.debit)
		totalCredit = totalCredit.Add(e.credit)
	}
	if !totalDebit.Equal(totalCredit) {
		return fmt.Errorf("%w: debit %s != credit %s", apperrors.ErrLedgerImbalance, totalDebit, totalCredit)
	}

	txID := "trade_" + randHex(6)

	tx, err := l.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		balance, err := l.accountBalance(tx, e.account)
		if err != nil {
			return err
		}
		newBalance := balance.Add(e.debit).Sub(e.credit)

		if _, err := tx.Exec(
			`INSERT INTO ledger_entries
				(timestamp, transaction_id, account, debit, credit, balance_after, symbol, side, qty, price)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			timestamp, txID, e.account, e.debit.String(), e.credit.String(), newBalance.String(),
			symbol, string(side), qty.String(), price.String(),
		); err != nil {
			return fmt.Errorf("ledger: insert entry: %w", err)
		}

		if _, err := tx.Exec(
			`INSERT INTO account_balances (account, balance, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(account) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
			e.account, newBalance.String(), timestamp,
		); err != nil {
			return fmt.Errorf("ledger: update balance: %w", err)
		}
	}

	return tx.Commit()
}

func (l *Ledger) accountBalance(tx *sql.Tx, account string) (decimal.Decimal, error) {
	var raw string
	err := tx.QueryRow(`SELECT balance FROM account_balances WHERE account = ?`, account).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: read balance for %s: %w", account, err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse balance for %s: %w", account, err)
	}
	return d, nil
}

// Balance returns the current balance of account, or zero if it has never
// been posted to.
func (l *Ledger) Balance(account string) (decimal.Decimal, error) {
	var raw string
	err := l.db.QueryRow(`SELECT balance FROM account_balances WHERE account = ?`, account).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

// CashBalance returns the cash:USDT account balance.
func (l *Ledger) CashBalance() (decimal.Decimal, error) {
	return l.Balance(cashAccount)
}

// AssetBalance returns the notional value carried in asset:symbol.
func (l *Ledger) AssetBalance(symbol string) (decimal.Decimal, error) {
	return l.Balance(assetAccount(symbol))
}

// TotalFees returns the cumulative trading fees paid.
func (l *Ledger) TotalFees() (decimal.Decimal, error) {
	b, err := l.Balance(feesAccount)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Abs(), nil
}

// VerifyBalance reports whether account's actual balance matches expected
// within tolerance — used to cross-check the ledger against Portfolio's
// own running totals.
func (l *Ledger) VerifyBalance(account string, expected, tolerance decimal.Decimal) (bool, error) {
	actual, err := l.Balance(account)
	if err != nil {
		return false, err
	}
	diff := actual.Sub(expected).Abs()
	return diff.LessThanOrEqual(tolerance), nil
}

// TransactionEntry is one row of ledger history, as returned by
// TransactionHistory.
type TransactionEntry struct {
	Timestamp     int64
	TransactionID string
	Account       string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	BalanceAfter  decimal.Decimal
	Symbol        string
	Side          string
	Qty           decimal.Decimal
	Price         decimal.Decimal
}

// TransactionHistory returns the most recent limit ledger entries, newest
// first.
func (l *Ledger) TransactionHistory(limit int) ([]TransactionEntry, error) {
	rows, err := l.db.Query(
		`SELECT timestamp, transaction_id, account, debit, credit, balance_after, symbol, side, qty, price
		 FROM ledger_entries ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()

	var out []TransactionEntry
	for rows.Next() {
		var te TransactionEntry
		var debit, credit, balanceAfter, qty, price string
		if err := rows.Scan(&te.Timestamp, &te.TransactionID, &te.Account, &debit, &credit, &balanceAfter, &te.Symbol, &te.Side, &qty, &price); err != nil {
			return nil, fmt.Errorf("ledger: scan history row: %w", err)
		}
		te.Debit, _ = decimal.NewFromString(debit)
		te.Credit, _ = decimal.NewFromString(credit)
		te.BalanceAfter, _ = decimal.NewFromString(balanceAfter)
		te.Qty, _ = decimal.NewFromString(qty)
		te.Price, _ = decimal.NewFromString(price)
		out = append(out, te)
	}
	return out, rows.Err()
}

// Close releases the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
