package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Rajchodisetti/trading-core/internal/breaker"
	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type dialect struct {
	name    string
	schema  string
	dollars bool // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite", schema: sqliteSchema}
	postgresDialect = dialect{name: "postgres", schema: postgresSchema, dollars: true}
)

// bind rewrites ? placeholders for the dialect
func (d dialect) bind(q string) string {
	if !d.dollars {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLJournal is a database/sql journal shared by the SQLite and Postgres backends
type SQLJournal struct {
	db *sql.DB
	d  dialect
}

var _ Journal = (*SQLJournal)(nil)

// NewSQLite opens (creating if needed) a SQLite journal at path
func NewSQLite(path string) (*SQLJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: sqlite path is empty")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent closes
	db.SetMaxOpenConns(1)
	return newSQL(db, sqliteDialect)
}

// NewPostgres connects with a lib/pq DSN
func NewPostgres(dsn string) (*SQLJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQL(db, postgresDialect)
}

// NewPostgresDB wraps an existing handle, e.g. a pool shared with other code
func NewPostgresDB(db *sql.DB) (*SQLJournal, error) {
	return newSQL(db, postgresDialect)
}

func newSQL(db *sql.DB, d dialect) (*SQLJournal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply %s schema: %w", d.name, err)
	}
	return &SQLJournal{db: db, d: d}, nil
}

func (j *SQLJournal) RecordTrade(ctx context.Context, t TradeRecord) error {
	q := j.d.bind(`
		INSERT INTO trades
		(trade_id, candidate_id, symbol, side, units, notional, leverage, entry_price, exit_price,
		 open_time, close_time, realized_pnl, pnl_pct, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_id) DO NOTHING`)
	_, err := j.db.ExecContext(ctx, q,
		t.TradeID, t.CandidateID, t.Symbol, string(t.Side), t.Units, t.Notional, t.Leverage,
		t.EntryPrice, t.ExitPrice, t.OpenTime.UTC(), t.CloseTime.UTC(), t.RealizedPnL, t.PnLPct, t.Reason,
	)
	if err != nil {
		observ.IncCounter("journal_errors_total", map[string]string{"op": "record_trade"})
		return fmt.Errorf("journal: record trade %s: %w", t.TradeID, err)
	}
	observ.IncCounter("journal_writes_total", map[string]string{"table": "trades"})
	return nil
}

func (j *SQLJournal) RecordBreakerEvent(ctx context.Context, ev breaker.Event) error {
	state, err := json.Marshal(ev.State)
	if err != nil {
		return fmt.Errorf("journal: marshal breaker state: %w", err)
	}
	q := j.d.bind(`
		INSERT INTO breaker_events
		(event_id, time, kind, reason, pnl, pnl_pct, drawdown, action, user_id, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	_, err = j.db.ExecContext(ctx, q,
		ev.ID, ev.Timestamp.UTC(), string(ev.Kind), ev.Reason, ev.PnL, ev.PnLPct, ev.Drawdown,
		ev.Action, ev.UserID, string(state),
	)
	if err != nil {
		observ.IncCounter("journal_errors_total", map[string]string{"op": "record_breaker_event"})
		return fmt.Errorf("journal: record breaker event %s: %w", ev.ID, err)
	}
	observ.IncCounter("journal_writes_total", map[string]string{"table": "breaker_events"})
	return nil
}

func (j *SQLJournal) RecentOutcomes(ctx context.Context, symbol string, n int) ([]trade.Outcome, error) {
	if n <= 0 {
		return nil, nil
	}
	q := `SELECT symbol, realized_pnl, pnl_pct, close_time FROM trades`
	args := []any{}
	if symbol != "" {
		q += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY close_time DESC LIMIT ?`
	args = append(args, n)

	rows, err := j.db.QueryContext(ctx, j.d.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("journal: recent outcomes: %w", err)
	}
	defer rows.Close()

	var out []trade.Outcome
	for rows.Next() {
		var o trade.Outcome
		if err := rows.Scan(&o.Symbol, &o.PnL, &o.PnLPct, &o.ClosedAt); err != nil {
			return nil, fmt.Errorf("journal: scan outcome: %w", err)
		}
		o.Win = o.PnL > 0
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query, oldest-first for callers
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Trades lists closed trades newest first
func (j *SQLJournal) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, j.d.bind(`
		SELECT trade_id, candidate_id, symbol, side, units, notional, leverage, entry_price, exit_price,
		       open_time, close_time, realized_pnl, pnl_pct, reason
		FROM trades ORDER BY close_time DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var side string
		if err := rows.Scan(&t.TradeID, &t.CandidateID, &t.Symbol, &side, &t.Units, &t.Notional, &t.Leverage,
			&t.EntryPrice, &t.ExitPrice, &t.OpenTime, &t.CloseTime, &t.RealizedPnL, &t.PnLPct, &t.Reason); err != nil {
			return nil, fmt.Errorf("journal: scan trade: %w", err)
		}
		t.Side = trade.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (j *SQLJournal) Close() error {
	return j.db.Close()
}
