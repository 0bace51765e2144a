package journal

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	units REAL NOT NULL,
	notional REAL NOT NULL,
	leverage REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	open_time DATETIME NOT NULL,
	close_time DATETIME NOT NULL,
	realized_pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_close ON trades(symbol, close_time);

CREATE TABLE IF NOT EXISTS breaker_events (
	event_id TEXT PRIMARY KEY,
	time DATETIME NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	pnl REAL NOT NULL,
	pnl_pct REAL NOT NULL,
	drawdown REAL NOT NULL,
	action TEXT NOT NULL,
	user_id TEXT NOT NULL,
	state TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	units DOUBLE PRECISION NOT NULL,
	notional DOUBLE PRECISION NOT NULL,
	leverage DOUBLE PRECISION NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price DOUBLE PRECISION NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	close_time TIMESTAMPTZ NOT NULL,
	realized_pnl DOUBLE PRECISION NOT NULL,
	pnl_pct DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_close ON trades(symbol, close_time);

CREATE TABLE IF NOT EXISTS breaker_events (
	event_id TEXT PRIMARY KEY,
	time TIMESTAMPTZ NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	pnl DOUBLE PRECISION NOT NULL,
	pnl_pct DOUBLE PRECISION NOT NULL,
	drawdown DOUBLE PRECISION NOT NULL,
	action TEXT NOT NULL,
	user_id TEXT NOT NULL,
	state JSONB NOT NULL
);
`
