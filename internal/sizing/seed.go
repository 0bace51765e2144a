package sizing

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/Rajchodisetti/trading-core/internal/trade"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadSeedFile reads bootstrap outcomes, one JSON object per line, such as a
// backtest or paper-trading export:
//
//	{"symbol":"EUR_USD","pnl":180,"pnl_pct":1.2,"closed_at":"2026-01-05T14:00:00Z"}
//
// Blank lines and lines starting with # are skipped. Win is derived from pnl
// when omitted. The result is ordered oldest first, ready for Seed.
func LoadSeedFile(path string) ([]trade.Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []trade.Outcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var o trade.Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		if o.Symbol == "" {
			return nil, fmt.Errorf("%s:%d: symbol is required", path, n)
		}
		if math.IsNaN(o.PnL) || math.IsInf(o.PnL, 0) || math.IsNaN(o.PnLPct) || math.IsInf(o.PnLPct, 0) {
			return nil, fmt.Errorf("%s:%d: pnl must be finite", path, n)
		}
		if o.PnL > 0 || o.PnLPct > 0 {
			o.Win = true
		}
		out = append(out, o)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out, nil
}
