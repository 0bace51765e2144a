package gates

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/Rajchodisetti/trading-core/internal/observ"
	"github.com/Rajchodisetti/trading-core/internal/rules"
	"github.com/Rajchodisetti/trading-core/internal/trade"
)

// Decision is the AND of every applicable gate
type Decision struct {
	Approved  bool     `json:"approved"`
	Results   []Result `json:"results"`
	BlockedBy []string `json:"blocked_by"`
}

// Reasons returns the reason of every failed gate, in evaluation order
func (d Decision) Reasons() []string {
	var out []string
	for _, r := range d.Results {
		if !r.Passed {
			out = append(out, r.Gate+": "+r.Reason)
		}
	}
	return out
}

// Reason joins Reasons for logs and narration
func (d Decision) Reason() string {
	return strings.Join(d.Reasons(), "; ")
}

// Pipeline runs common gates plus the gates declared for the candidate's asset class
type Pipeline struct {
	common  []Gate
	byClass map[trade.AssetClass][]Gate
}

// NewPipeline creates a pipeline with gates applied to every candidate
func NewPipeline(common ...Gate) *Pipeline {
	return &Pipeline{common: common, byClass: map[trade.AssetClass][]Gate{}}
}

// ForClass adds gates that only apply to one asset class. It is meant for
// construction time and is not safe to call concurrently with Evaluate.
func (p *Pipeline) ForClass(class trade.AssetClass, gates ...Gate) *Pipeline {
	p.byClass[class] = append(p.byClass[class], gates...)
	return p
}

func (p *Pipeline) applicable(c trade.Candidate) []Gate {
	extra := p.byClass[c.Class()]
	gates := make([]Gate, 0, len(p.common)+len(extra))
	gates = append(gates, p.common...)
	gates = append(gates, extra...)
	sort.SliceStable(gates, func(i, j int) bool {
		if gates[i].Priority() != gates[j].Priority() {
			return gates[i].Priority() < gates[j].Priority()
		}
		return gates[i].Name() < gates[j].Name()
	})
	return gates
}

// Evaluate runs every applicable gate; it does not stop at the first failure
func (p *Pipeline) Evaluate(c trade.Candidate, s Snapshot) Decision {
	return evaluate(p.applicable(c), c, s)
}

// Resized runs the applicable SizeAware gates again once sizing has set
// c.Notional. A pipeline without such gates approves.
func (p *Pipeline) Resized(c trade.Candidate, s Snapshot) Decision {
	var sized []Gate
	for _, g := range p.applicable(c) {
		if _, ok := g.(SizeAware); ok {
			sized = append(sized, g)
		}
	}
	if len(sized) == 0 {
		return Decision{Approved: true}
	}
	return evaluate(sized, c, s)
}

func evaluate(gates []Gate, c trade.Candidate, s Snapshot) Decision {
	start := time.Now()
	d := Decision{Approved: true, Results: make([]Result, 0, len(gates))}

	for _, g := range gates {
		r := runGate(g, c, s)
		d.Results = append(d.Results, r)
		if !r.Passed {
			d.Approved = false
			d.BlockedBy = append(d.BlockedBy, r.Gate)
			observ.IncCounter("gate_rejections_total", map[string]string{"gate": r.Gate})
		}
	}
	// an empty pipeline must not approve anything
	if len(gates) == 0 {
		d.Approved = false
		d.BlockedBy = []string{"no_gates"}
		d.Results = append(d.Results, fail("no_gates", "no gates configured", nil))
	}

	observ.RecordDuration("gate_pipeline_duration", time.Since(start), nil)
	return d
}

// runGate converts errors and panics into a failed result named after the gate
func runGate(g Gate, c trade.Candidate, s Snapshot) (r Result) {
	name := g.Name()
	defer func() {
		if rec := recover(); rec != nil {
			observ.IncCounter("gate_errors_total", map[string]string{"gate": name})
			r = fail(name, fmt.Sprintf("%s_error: panic: %v", name, rec), nil)
		}
	}()

	res, err := g.Evaluate(c, s)
	if err != nil {
		observ.IncCounter("gate_errors_total", map[string]string{"gate": name})
		return fail(name, fmt.Sprintf("%s_error: %v", name, err), nil)
	}
	res.Gate = name
	return res
}

// CryptoConfig holds the crypto-only gate settings
type CryptoConfig struct {
	MinConsensus float64 `yaml:"min_consensus"`
	Timezone     string  `yaml:"timezone"`
	StartHour    int     `yaml:"start_hour"`
	EndHour      int     `yaml:"end_hour"`
	WeekdaysOnly bool    `yaml:"weekdays_only"`
}

// Config selects the standard gates
type Config struct {
	MarginCeiling float64      `yaml:"margin_ceiling"`
	Crypto        CryptoConfig `yaml:"crypto"`
}

// DefaultConfig returns the production gate settings
func DefaultConfig() Config {
	return Config{
		MarginCeiling: 0.35,
		Crypto: CryptoConfig{
			MinConsensus: 0.90,
			Timezone:     "America/New_York",
			StartHour:    8,
			EndHour:      16,
			WeekdaysOnly: true,
		},
	}
}

// NewStandardPipeline wires the standard gates against a RuleSet
func NewStandardPipeline(rs *rules.RuleSet, cfg Config) (*Pipeline, error) {
	loc, err := time.LoadLocation(cfg.Crypto.Timezone)
	if err != nil {
		return nil, fmt.Errorf("crypto timezone: %w", err)
	}
	p := NewPipeline(
		&TimeframeGate{Rules: rs},
		&MarginGate{MaxRatio: cfg.MarginCeiling},
		&ConcurrencyGate{Rules: rs},
		&DailyTradesGate{Rules: rs},
		&CorrelationGate{},
	)
	p.ForClass(trade.Crypto,
		&ConsensusGate{Min: cfg.Crypto.MinConsensus},
		&TradingHoursGate{
			Location:     loc,
			StartHour:    cfg.Crypto.StartHour,
			EndHour:      cfg.Crypto.EndHour,
			WeekdaysOnly: cfg.Crypto.WeekdaysOnly,
		},
	)
	return p, nil
}
