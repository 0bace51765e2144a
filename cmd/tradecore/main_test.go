package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-core/internal/journal"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/sizing"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", ""))
	err := root.Execute()
	return strings.Join(strings.Fields(out.String()), ""), err
}

func tempConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "log:\n  level: error\nbreaker:\n" +
		"  marker_path: " + filepath.Join(dir, "b.lock") + "\n" +
		"  audit_path: " + filepath.Join(dir, "b.jsonl") + "\n" + extra
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestRulesCheck(t *testing.T) {
	out, err := execute(t, "rules", "check", "--config", tempConfig(t, ""))
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
	assert.Contains(t, out, `"min_notional":15000`)
}

func TestRulesCheckFailsOnBadRules(t *testing.T) {
	_, err := execute(t, "rules", "check", "--config", tempConfig(t, "rules:\n  min_risk_reward: -1\n"))
	assert.Error(t, err)
}

func TestBreakerStopAndReset(t *testing.T) {
	cfg := tempConfig(t, "")

	out, err := execute(t, "breaker", "stop", "--config", cfg, "--user", "ops", "--reason", "fomc")
	require.NoError(t, err)
	assert.Contains(t, out, `"halt":true`)

	out, err = execute(t, "breaker", "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"state":"TRIPPED"`)
	assert.Contains(t, out, "MANUAL_STOP")

	_, err = execute(t, "breaker", "reset", "--config", cfg, "--user", "ops")
	assert.Error(t, err, "reason is required")

	out, err = execute(t, "breaker", "reset", "--config", cfg, "--user", "ops", "--reason", "reviewed")
	require.NoError(t, err)
	assert.Contains(t, out, `"event_type":"RESET"`)

	out, err = execute(t, "breaker", "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"state":"ARMED"`)
}

func TestBreakerStatusReportsRuleSetLimit(t *testing.T) {
	cfg := tempConfig(t, "rules:\n  daily_loss_breaker_pct: -3\n")
	out, err := execute(t, "breaker", "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"pnl_threshold_pct":-3`)
}

func TestSeedSizerBootstrapsColdJournal(t *testing.T) {
	dir := t.TempDir()
	jr, err := journal.NewSQLite(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	var lines []string
	for i := 0; i < 10; i++ {
		pnl, pct := 180.0, 1.2
		if i%4 == 3 {
			pnl, pct = -100, -1.0
		}
		lines = append(lines, fmt.Sprintf(`{"symbol":"EUR_USD","pnl":%v,"pnl_pct":%v,"closed_at":"2026-01-05T%02d:00:00Z"}`, pnl, pct, i))
	}
	seed := filepath.Join(dir, "seed.jsonl")
	require.NoError(t, os.WriteFile(seed, []byte(strings.Join(lines, "\n")), 0o644))

	newSizer := func() *sizing.Sizer {
		s, err := sizing.New(rules.MustNew(rules.DefaultConfig()), sizing.DefaultConfig())
		require.NoError(t, err)
		return s
	}
	req := sizing.Request{Symbol: "EUR_USD", Price: 1.1, Confidence: 0.9}
	ctx := context.Background()

	cold := newSizer()
	require.NoError(t, seedSizer(ctx, jr, cold, ""))
	assert.True(t, cold.Calculate(req).InsufficientData, "an empty journal cannot size")

	boot := newSizer()
	require.NoError(t, seedSizer(ctx, jr, boot, seed))
	assert.Len(t, boot.History("EUR_USD"), 10)
	res := boot.Calculate(req)
	assert.False(t, res.InsufficientData, res.Reasoning)
	assert.False(t, res.Zero())

	// journaled outcomes land after the bootstrap ones
	require.NoError(t, jr.RecordTrade(ctx, journal.TradeRecord{
		TradeID: "t1", Symbol: "EUR_USD", Side: trade.Sell, RealizedPnL: -50, PnLPct: -0.5, CloseTime: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}))
	both := newSizer()
	require.NoError(t, seedSizer(ctx, jr, both, seed))
	h := both.History("EUR_USD")
	require.Len(t, h, 11)
	assert.Equal(t, -50.0, h[10].PnL)

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{}\n"), 0o644))
	assert.Error(t, seedSizer(ctx, jr, newSizer(), bad))
}
