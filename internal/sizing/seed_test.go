package sizing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "seed.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadSeedFileBootstrapsSizing(t *testing.T) {
	body := "# exported from the paper account\n\n"
	// written newest first to check ordering
	for i := 9; i >= 0; i-- {
		pnl, pct := "150", "1.5"
		if i%5 == 0 {
			pnl, pct = "-100", "-1.0"
		}
		body += `{"symbol":"GBP_USD","pnl":` + pnl + `,"pnl_pct":` + pct + `,"closed_at":"2026-01-05T1` + string(rune('0'+i)) + ":00:00Z\"}\n"
	}
	got, err := LoadSeedFile(writeSeed(t, body))
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.True(t, got[0].ClosedAt.Before(got[9].ClosedAt))
	assert.False(t, got[0].Win)
	assert.True(t, got[1].Win, "win is derived from pnl")

	s := newSizer(t, nil)
	cold := s.Calculate(Request{Symbol: "GBP_USD", Price: 1.27, Confidence: 1})
	assert.True(t, cold.InsufficientData)

	s.Seed(got)
	res := s.Calculate(Request{Symbol: "GBP_USD", Price: 1.27, Confidence: 1})
	assert.False(t, res.InsufficientData, res.Reasoning)
	assert.False(t, res.Zero())
}

func TestLoadSeedFileErrors(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"bad json", "{\"symbol\":\n", ":1:"},
		{"no symbol", "{\"pnl\":10}\n", "symbol is required"},
		{"second line", "{\"symbol\":\"AAPL\",\"pnl\":1}\nnot json\n", ":2:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadSeedFile(writeSeed(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
