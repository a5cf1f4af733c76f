// Package ledger persists the pool's audit trail in Postgres: balances,
// payments, transactions, users, known pool servers and found blocks.
// Settlement writes are atomic per payee, never per batch, so a failure
// persisting one payee cannot corrupt another's rows.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store wraps the Postgres connection
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing handle, used by tests
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// BalanceRow is one payable balance
type BalanceRow struct {
	ID             int64
	PoolType       string
	PaymentAddress string
	PaymentID      string
	Bitcoin        bool
	Amount         uint64
}

// BalanceRows returns every balance of poolType at or above min,
// ordered by row id so repeated passes see a stable order.
func (s *Store) BalanceRows(ctx context.Context, poolType string, min uint64) ([]BalanceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pool_type, payment_address, COALESCE(payment_id, ''), bitcoin, amount
		FROM balance
		WHERE pool_type = $1 AND amount >= $2
		ORDER BY id`, poolType, min)
	if err != nil {
		return nil, fmt.Errorf("selecting balances: %w", err)
	}
	defer rows.Close()

	var out []BalanceRow
	for rows.Next() {
		var r BalanceRow
		if err := rows.Scan(&r.ID, &r.PoolType, &r.PaymentAddress, &r.PaymentID, &r.Bitcoin, &r.Amount); err != nil {
			return nil, fmt.Errorf("scanning balance row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransactionRecord is one wallet transfer call, possibly batching many
// payees
type TransactionRecord struct {
	ID      int64
	Hash    string
	Mixin   int
	Fees    uint64
	Amount  uint64
	Payees  int
	Bitcoin bool
	Created time.Time
}

// InsertTransaction records a completed wallet transfer and returns its
// row id for payments to link against.
func (s *Store) InsertTransaction(ctx context.Context, t *TransactionRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transactions (transaction_hash, mixin, fees, amount, payees, bitcoin, created)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		t.Hash, t.Mixin, t.Fees, t.Amount, t.Payees, t.Bitcoin).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting transaction: %w", err)
	}
	return id, nil
}

// PaymentRecord is one payee's slice of a transaction
type PaymentRecord struct {
	PoolType       string
	PaymentAddress string
	PaymentID      string
	TransactionID  int64
	Bitcoin        bool
	Amount         uint64
	Fee            uint64
	BalanceID      int64
}

// CommitPayment decrements the payee's balance and inserts the payment
// row in one transaction. The decrement is the full payee amount; the
// fee is pool revenue and never returned to the miner.
func (s *Store) CommitPayment(ctx context.Context, p *PaymentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning payment commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE balance SET amount = amount - $1, last_updated = NOW()
		WHERE id = $2 AND amount >= $1`, p.Amount, p.BalanceID)
	if err != nil {
		return fmt.Errorf("decrementing balance %d: %w", p.BalanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking balance decrement: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("balance %d below payment amount %d", p.BalanceID, p.Amount)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (pool_type, payment_address, payment_id, transaction_id, bitcoin, amount, fee, created)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NOW())`,
		p.PoolType, p.PaymentAddress, p.PaymentID, p.TransactionID, p.Bitcoin, p.Amount-p.Fee, p.Fee)
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}

	return tx.Commit()
}

// PayoutThreshold returns the user's configured payout threshold, zero
// when the user is unknown or has not set one.
func (s *Store) PayoutThreshold(ctx context.Context, minerKey string) (uint64, error) {
	var threshold sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT payout_threshold FROM users WHERE username = $1`, minerKey).Scan(&threshold)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("selecting payout threshold: %w", err)
	}
	if !threshold.Valid || threshold.Int64 < 0 {
		return 0, nil
	}
	return uint64(threshold.Int64), nil
}

// EmailFor returns the user's notification address and whether they
// opted in to email alerts.
func (s *Store) EmailFor(ctx context.Context, minerKey string) (string, bool, error) {
	var email sql.NullString
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT email, enable_email FROM users WHERE username = $1`, minerKey).Scan(&email, &enabled)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("selecting user email: %w", err)
	}
	return email.String, enabled && email.Valid && email.String != "", nil
}

// LifetimeCounters are the relational-store counters folded into the
// pool-wide stats rollup
type LifetimeCounters struct {
	TotalMinersPaid  int64
	TotalPayments    int64
	LastPayment      int64
	TotalBlocksFound int64
	LastBlockFound   int64
	LifetimeEffort   float64
	RoundHashes      uint64
}

// Counters computes the lifetime counters for one scheme, or across all
// schemes when poolType is empty.
func (s *Store) Counters(ctx context.Context, poolType string) (*LifetimeCounters, error) {
	c := &LifetimeCounters{}

	filter := poolType
	all := poolType == ""

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT payment_address), COUNT(*),
		       COALESCE(EXTRACT(EPOCH FROM MAX(created))::bigint, 0)
		FROM payments WHERE ($1 OR pool_type = $2)`,
		all, filter).Scan(&c.TotalMinersPaid, &c.TotalPayments, &c.LastPayment)
	if err != nil {
		return nil, fmt.Errorf("counting payments: %w", err)
	}

	var diffSum float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(EXTRACT(EPOCH FROM MAX(find_time))::bigint, 0),
		       COALESCE(SUM(shares), 0)::bigint,
		       COALESCE(SUM(difficulty), 0)::float8
		FROM blocks WHERE ($1 OR pool_type = $2)`,
		all, filter).Scan(&c.TotalBlocksFound, &c.LastBlockFound, &c.RoundHashes, &diffSum)
	if err != nil {
		return nil, fmt.Errorf("counting blocks: %w", err)
	}
	if diffSum > 0 {
		c.LifetimeEffort = float64(c.RoundHashes) / diffSum
	}

	return c, nil
}

// PoolServerRow is one registered pool server
type PoolServerRow struct {
	ID          int64
	IP          string
	Hostname    string
	BlockID     uint64
	BlockIDTime int64
	LastSeen    int64
}

// ActivePools lists pool servers seen within the staleness horizon
func (s *Store) ActivePools(ctx context.Context) ([]PoolServerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip, hostname, block_id, EXTRACT(EPOCH FROM block_id_time)::bigint,
		       EXTRACT(EPOCH FROM last_checkin)::bigint
		FROM pools WHERE active = true
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("selecting pools: %w", err)
	}
	defer rows.Close()

	var out []PoolServerRow
	for rows.Next() {
		var r PoolServerRow
		if err := rows.Scan(&r.ID, &r.IP, &r.Hostname, &r.BlockID, &r.BlockIDTime, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning pool row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PortRow is one advertised mining port
type PortRow struct {
	Port        int
	Difficulty  uint64
	PortType    string
	Description string
	Hidden      bool
	SSL         bool
}

// ActivePorts lists the mining ports advertised to the front end
func (s *Store) ActivePorts(ctx context.Context) ([]PortRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT network_port, starting_diff, port_type, COALESCE(description, ''), hidden, ssl
		FROM ports WHERE active = true
		ORDER BY network_port`)
	if err != nil {
		return nil, fmt.Errorf("selecting ports: %w", err)
	}
	defer rows.Close()

	var out []PortRow
	for rows.Next() {
		var r PortRow
		if err := rows.Scan(&r.Port, &r.Difficulty, &r.PortType, &r.Description, &r.Hidden, &r.SSL); err != nil {
			return nil, fmt.Errorf("scanning port row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
