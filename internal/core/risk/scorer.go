package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
)

// Config holds scoring thresholds.
type Config struct {
	// Score below each boundary maps to 1, 2 and 3 approvals; anything above needs 4.
	LowBelow    int `yaml:"low_below"`
	MediumBelow int `yaml:"medium_below"`
	HighBelow   int `yaml:"high_below"`

	LowTTL      time.Duration `yaml:"low_ttl"`
	MediumTTL   time.Duration `yaml:"medium_ttl"`
	HighTTL     time.Duration `yaml:"high_ttl"`
	CriticalTTL time.Duration `yaml:"critical_ttl"`

	VelocityHigh   int `yaml:"velocity_high"`
	VelocityMedium int `yaml:"velocity_medium"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LowBelow:       25,
		MediumBelow:    50,
		HighBelow:      75,
		LowTTL:         24 * time.Hour,
		MediumTTL:      12 * time.Hour,
		HighTTL:        6 * time.Hour,
		CriticalTTL:    2 * time.Hour,
		VelocityHigh:   10,
		VelocityMedium: 5,
	}
}

// MaxScore caps the additive score.
const MaxScore = 100

// Input is everything the scorer looks at. Ceiling is the amount the subject
// could still move: the daily limit for wallets, the recorded balance for vaults.
type Input struct {
	Tier             domain.CustodyTier
	Amount           decimal.Decimal
	Ceiling          decimal.Decimal
	KnownDestination bool
	Velocity24h      int
	Urgency          domain.Urgency
}

// Factor is one contribution to the score.
type Factor struct {
	Factor      string `json:"factor"`
	Description string `json:"description"`
	Score       int    `json:"score"`
}

// Assessment is the scorer output.
type Assessment struct {
	Score             int
	Level             domain.RiskLevel
	RequiredApprovals int
	TTL               time.Duration
	Factors           []Factor
}

// Detail flattens the assessment for the audit trail.
func (a Assessment) Detail() map[string]any {
	factors := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		factors = append(factors, fmt.Sprintf("%s:+%d", f.Factor, f.Score))
	}
	return map[string]any{
		"risk_score":         a.Score,
		"risk_level":         string(a.Level),
		"required_approvals": a.RequiredApprovals,
		"ttl":                a.TTL.String(),
		"factors":            factors,
	}
}

// Scorer is pure: the same input always yields the same assessment.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer, filling unset thresholds from DefaultConfig.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.LowBelow == 0 {
		cfg.LowBelow = def.LowBelow
	}
	if cfg.MediumBelow == 0 {
		cfg.MediumBelow = def.MediumBelow
	}
	if cfg.HighBelow == 0 {
		cfg.HighBelow = def.HighBelow
	}
	if cfg.LowTTL == 0 {
		cfg.LowTTL = def.LowTTL
	}
	if cfg.MediumTTL == 0 {
		cfg.MediumTTL = def.MediumTTL
	}
	if cfg.HighTTL == 0 {
		cfg.HighTTL = def.HighTTL
	}
	if cfg.CriticalTTL == 0 {
		cfg.CriticalTTL = def.CriticalTTL
	}
	if cfg.VelocityHigh == 0 {
		cfg.VelocityHigh = def.VelocityHigh
	}
	if cfg.VelocityMedium == 0 {
		cfg.VelocityMedium = def.VelocityMedium
	}
	return &Scorer{cfg: cfg}
}

// MaxApprovals is the quorum of the highest tier.
func (s *Scorer) MaxApprovals() int { return 4 }

// Score evaluates the input.
func (s *Scorer) Score(in Input) Assessment {
	var a Assessment

	add := func(f *Factor) {
		if f == nil {
			return
		}
		a.Factors = append(a.Factors, *f)
		a.Score += f.Score
	}

	add(amountRisk(in.Amount, in.Ceiling))
	add(destinationRisk(in.KnownDestination))
	add(s.velocityRisk(in.Velocity24h))
	add(tierRisk(in.Tier))
	if in.Urgency == domain.UrgencyHigh {
		add(&Factor{Factor: "urgent", Description: "Request marked urgent", Score: 5})
	}

	a.Score = min(a.Score, MaxScore)

	switch {
	case a.Score < s.cfg.LowBelow:
		a.Level, a.RequiredApprovals, a.TTL = domain.RiskLow, 1, s.cfg.LowTTL
	case a.Score < s.cfg.MediumBelow:
		a.Level, a.RequiredApprovals, a.TTL = domain.RiskMedium, 2, s.cfg.MediumTTL
	case a.Score < s.cfg.HighBelow:
		a.Level, a.RequiredApprovals, a.TTL = domain.RiskHigh, 3, s.cfg.HighTTL
	default:
		a.Level, a.RequiredApprovals, a.TTL = domain.RiskCritical, s.MaxApprovals(), s.cfg.CriticalTTL
	}
	return a
}

var (
	ratioSevere   = decimal.RequireFromString("0.75")
	ratioElevated = decimal.RequireFromString("0.5")
	ratioNotable  = decimal.RequireFromString("0.1")
)

// amountRisk grows with the share of the ceiling the amount consumes.
func amountRisk(amount, ceiling decimal.Decimal) *Factor {
	if !ceiling.IsPositive() {
		return &Factor{Factor: "no_headroom", Description: "No remaining ceiling to compare against", Score: 35}
	}
	ratio := amount.Div(ceiling)
	switch {
	case ratio.GreaterThanOrEqual(ratioSevere):
		return &Factor{Factor: "large_amount", Description: "Amount uses most of the limit", Score: 35}
	case ratio.GreaterThanOrEqual(ratioElevated):
		return &Factor{Factor: "elevated_amount", Description: "Amount uses half of the limit", Score: 25}
	case ratio.GreaterThanOrEqual(ratioNotable):
		return &Factor{Factor: "notable_amount", Description: "Amount is a notable share of the limit", Score: 10}
	}
	return nil
}

func destinationRisk(known bool) *Factor {
	if known {
		return nil
	}
	return &Factor{Factor: "new_destination", Description: "Destination never used by this subject", Score: 20}
}

func (s *Scorer) velocityRisk(count int) *Factor {
	switch {
	case count >= s.cfg.VelocityHigh:
		return &Factor{Factor: "high_velocity", Description: "Many executions in the last 24h", Score: 20}
	case count >= s.cfg.VelocityMedium:
		return &Factor{Factor: "elevated_velocity", Description: "Several executions in the last 24h", Score: 10}
	}
	return nil
}

func tierRisk(tier domain.CustodyTier) *Factor {
	switch tier {
	case domain.TierCold:
		return &Factor{Factor: "cold_storage", Description: "Funds leave cold storage", Score: 30}
	case domain.TierWarm:
		return &Factor{Factor: "warm_wallet", Description: "Funds leave a warm wallet", Score: 10}
	}
	return nil
}
