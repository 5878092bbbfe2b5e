package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/devolt/internal/escrow"
	"github.com/mbd888/devolt/internal/idgen"
	"github.com/mbd888/devolt/internal/retry"
)

const (
	// serializationAttempts bounds retries of a SERIALIZABLE transaction
	// that lost a conflict to a concurrent writer.
	serializationAttempts = 5
	serializationBackoff  = 20 * time.Millisecond
)

// PostgresLedger implements Ledger with PostgreSQL. Amounts are stored as
// NUMERIC(20,0) so the full uint64 range round-trips, and are bound as
// decimal strings because database/sql rejects uint64 values above MaxInt64.
type PostgresLedger struct {
	db       *sql.DB
	operator string
}

// NewPostgresLedger creates a PostgreSQL-backed ledger. The schema is owned
// by the goose migrations under migrations/.
func NewPostgresLedger(db *sql.DB, operator string) *PostgresLedger {
	return &PostgresLedger{db: db, operator: strings.ToLower(operator)}
}

// Operator returns the operator address escrows are opened against.
func (p *PostgresLedger) Operator() string {
	return p.operator
}

const escrowColumns = `id, seed, kind, state, energy_units, quote_amount, maker, operator,
	maker_quote_account, operator_quote_account, operator_energy_account,
	COALESCE(holding_account, ''), COALESCE(tx_ref, ''), created_at, updated_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*escrow.Record, error) {
	var (
		rec       escrow.Record
		kind      string
		state     string
		settledAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.Seed, &kind, &state, &rec.EnergyUnits, &rec.QuoteAmount,
		&rec.Maker, &rec.Operator,
		&rec.MakerQuoteAccount, &rec.OperatorQuoteAccount, &rec.OperatorEnergyAccount,
		&rec.HoldingAccount, &rec.TxRef, &rec.CreatedAt, &rec.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Kind = escrow.Kind(kind)
	rec.State = escrow.State(state)
	if settledAt.Valid {
		t := settledAt.Time
		rec.SettledAt = &t
	}
	return &rec, nil
}

func (p *PostgresLedger) ListEscrows(ctx context.Context, filter escrow.Filter) ([]*escrow.Record, error) {
	done := observeOp("list")
	defer done()

	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []any
	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.Maker != "" {
		args = append(args, strings.ToLower(filter.Maker))
		query += fmt.Sprintf(" AND maker = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isAuthFailure(err) {
			return nil, fmt.Errorf("list escrows: %w: %w", ErrCredentials, err)
		}
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	result := make([]*escrow.Record, 0)
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresLedger) GetEscrow(ctx context.Context, id string) (*escrow.Record, error) {
	rec, err := scanEscrow(p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}
	return rec, nil
}

func (p *PostgresLedger) Sell(ctx context.Context, req SellRequest) (*escrow.Record, error) {
	done := observeOp("sell")
	defer done()

	rec, err := newSellRecord(req, p.operator, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	rec.TxRef = idgen.WithPrefix("tx_")
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		return insertEscrow(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	escrowsOpened.WithLabelValues(string(rec.Kind)).Inc()
	return rec, nil
}

func (p *PostgresLedger) Buy(ctx context.Context, req BuyRequest) (*escrow.Record, error) {
	done := observeOp("buy")
	defer done()

	rec, err := newBuyRecord(req, p.operator, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		rec.TxRef = idgen.WithPrefix("tx_")
		if err := insertEscrow(ctx, tx, rec); err != nil {
			return err
		}
		lock := move{kind: moveTransfer, from: rec.MakerQuoteAccount, to: rec.HoldingAccount, amount: rec.QuoteAmount}
		return applyMoves(ctx, tx, []move{lock}, rec.TxRef, rec.ID, rec.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	escrowsOpened.WithLabelValues(string(rec.Kind)).Inc()
	return rec, nil
}

func (p *PostgresLedger) SettleSell(ctx context.Context, id string) (*Settlement, error) {
	return p.settle(ctx, id, escrow.KindSell)
}

func (p *PostgresLedger) SettleBuy(ctx context.Context, id string) (*Settlement, error) {
	return p.settle(ctx, id, escrow.KindBuy)
}

func (p *PostgresLedger) settle(ctx context.Context, id string, kind escrow.Kind) (*Settlement, error) {
	done := observeOp("settle_" + string(kind))
	defer done()

	var result *Settlement
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanEscrow(tx.QueryRowContext(ctx,
			`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return escrow.ErrEscrowNotFound
		}
		if err != nil {
			return fmt.Errorf("lock escrow %s: %w", id, err)
		}

		liquidity, err := lockBalance(ctx, tx, liquidityAccount(rec))
		if err != nil {
			return err
		}

		outcome, moves, err := planSettlement(rec, kind, liquidity)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		txRef := idgen.WithPrefix("tx_")
		if err := applyMoves(ctx, tx, moves, txRef, rec.ID, now); err != nil {
			return fmt.Errorf("apply settlement for %s: %w", rec.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET state = $2, tx_ref = $3, updated_at = $4, settled_at = $4
			WHERE id = $1 AND state = 'pending'
		`, rec.ID, string(outcome), txRef, now)
		if err != nil {
			return fmt.Errorf("update escrow %s: %w", rec.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return escrow.ErrInvalidState
		}

		result = &Settlement{EscrowID: rec.ID, Kind: kind, Outcome: outcome, TxRef: txRef, SettledAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	escrowsSettled.WithLabelValues(string(kind), string(result.Outcome)).Inc()
	return result, nil
}

func (p *PostgresLedger) Deposit(ctx context.Context, account string, amount uint64) (string, error) {
	done := observeOp("deposit")
	defer done()

	if !validAccount(account) {
		return "", ErrInvalidAccount
	}
	if amount == 0 {
		return "", fmt.Errorf("%w: deposit must be positive", escrow.ErrInvalidAmount)
	}

	var txRef string
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		txRef = idgen.WithPrefix("tx_")
		mint := move{kind: moveMint, to: account, amount: amount}
		return applyMoves(ctx, tx, []move{mint}, txRef, "", time.Now().UTC())
	})
	if err != nil {
		return "", err
	}
	return txRef, nil
}

func (p *PostgresLedger) Balance(ctx context.Context, account string) (uint64, error) {
	var bal uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE account = $1`, account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return bal, nil
}

func (p *PostgresLedger) Journal(ctx context.Context, txRef string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tx_ref, COALESCE(escrow_id, ''), account, op, amount, created_at
		FROM ledger_entries WHERE tx_ref = $1 ORDER BY seq ASC
	`, txRef)
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", txRef, err)
	}
	defer rows.Close()

	result := make([]*Entry, 0)
	for rows.Next() {
		var e Entry
		var op string
		if err := rows.Scan(&e.ID, &e.TxRef, &e.EscrowID, &e.Account, &op, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Op = EntryOp(op)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// inTx runs fn in a SERIALIZABLE transaction, retrying when Postgres aborts
// it with a serialization failure. Any other error is returned as-is.
func (p *PostgresLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, serializationAttempts, serializationBackoff, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return retry.Permanent(fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback() //nolint:errcheck

		if err := fn(tx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return retry.Permanent(fmt.Errorf("commit: %w", err))
		}
		return nil
	})
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// isAuthFailure reports SQLSTATE class 28 (invalid authorization).
func isAuthFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "28"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func insertEscrow(ctx context.Context, tx *sql.Tx, rec *escrow.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (
			id, seed, kind, state, energy_units, quote_amount, maker, operator,
			maker_quote_account, operator_quote_account, operator_energy_account,
			holding_account, tx_ref, created_at, updated_at
		) VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''), $14, $14)
	`, rec.ID, u64(rec.Seed), string(rec.Kind), string(rec.State),
		u64(rec.EnergyUnits), u64(rec.QuoteAmount), rec.Maker, rec.Operator,
		rec.MakerQuoteAccount, rec.OperatorQuoteAccount, rec.OperatorEnergyAccount,
		rec.HoldingAccount, rec.TxRef, rec.CreatedAt)
	if isUniqueViolation(err) {
		return escrow.ErrEscrowExists
	}
	if err != nil {
		return fmt.Errorf("insert escrow %s: %w", rec.ID, err)
	}
	return nil
}

// lockBalance reads an account balance under a row lock. A missing row is
// a zero balance.
func lockBalance(ctx context.Context, tx *sql.Tx, account string) (uint64, error) {
	var bal uint64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM account_balances WHERE account = $1 FOR UPDATE`, account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock balance %s: %w", account, err)
	}
	return bal, nil
}

// applyMoves executes moves inside tx and journals them. A debit that would
// overdraw its account fails with escrow.ErrInsufficientFunds, which aborts
// the whole transaction.
func applyMoves(ctx context.Context, tx *sql.Tx, moves []move, txRef, escrowID string, now time.Time) error {
	for _, mv := range moves {
		if mv.from != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE account_balances SET balance = balance - $2::NUMERIC, updated_at = $3
				WHERE account = $1 AND balance >= $2::NUMERIC
			`, mv.from, u64(mv.amount), now)
			if err != nil {
				return fmt.Errorf("debit %s: %w", mv.from, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s cannot cover %d", escrow.ErrInsufficientFunds, mv.from, mv.amount)
			}
		}
		if mv.to != "" {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO account_balances (account, balance, updated_at)
				VALUES ($1, $2::NUMERIC, $3)
				ON CONFLICT (account) DO UPDATE SET
					balance    = account_balances.balance + $2::NUMERIC,
					updated_at = $3
			`, mv.to, u64(mv.amount), now)
			if err != nil {
				return fmt.Errorf("credit %s: %w", mv.to, err)
			}
		}
		for _, e := range mv.entries(txRef, escrowID, now) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, tx_ref, escrow_id, account, op, amount, created_at)
				VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC, $7)
			`, e.ID, e.TxRef, e.EscrowID, e.Account, string(e.Op), u64(e.Amount), e.CreatedAt)
			if err != nil {
				return fmt.Errorf("record entry: %w", err)
			}
		}
	}
	return nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// Compile-time assertion that PostgresLedger implements Ledger.
var _ Ledger = (*PostgresLedger)(nil)
