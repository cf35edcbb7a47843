package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DetectionConfig holds every threshold used by the detection engine.
// It is passed to the engine at construction so tests can exercise
// boundary values without touching package-level state.
type DetectionConfig struct {
	// VelocityWindow is the rolling window used for per-account velocity.
	VelocityWindow time.Duration `json:"velocityWindow"`

	Cycle     CycleConfig     `json:"cycle"`
	Smurfing  SmurfingConfig  `json:"smurfing"`
	Layering  LayeringConfig  `json:"layering"`
	RingRisk  RingRiskConfig  `json:"ringRisk"`
	Suspicion SuspicionConfig `json:"suspicion"`
	Merchant  MerchantConfig  `json:"merchant"`
}

// CycleConfig bounds the cycle search.
type CycleConfig struct {
	MinLength int `json:"minLength"`
	MaxLength int `json:"maxLength"`

	// MinHopAmount prunes any hop whose summed transfers between the pair
	// fall below this floor.
	MinHopAmount decimal.Decimal `json:"minHopAmount"`

	// MaxPathsPerStart caps DFS frames examined from one start account.
	MaxPathsPerStart int `json:"maxPathsPerStart"`

	// MaxCyclesPerStart caps cycles recorded from one start account.
	MaxCyclesPerStart int `json:"maxCyclesPerStart"`
}

// SmurfingConfig configures fan-in and fan-out detection.
type SmurfingConfig struct {
	Window            time.Duration   `json:"window"`
	MinCounterparties int             `json:"minCounterparties"`
	MinTotalAmount    decimal.Decimal `json:"minTotalAmount"`
}

// LayeringConfig configures layered-chain detection.
type LayeringConfig struct {
	MinHops int `json:"minHops"`
	MaxHops int `json:"maxHops"`

	// SkimTolerance is the largest fractional drop allowed between hops.
	SkimTolerance float64 `json:"skimTolerance"`

	// RiseTolerance is the largest fractional increase allowed between hops.
	RiseTolerance float64 `json:"riseTolerance"`

	MinHopAmount     decimal.Decimal `json:"minHopAmount"`
	MaxPathsPerStart int             `json:"maxPathsPerStart"`
}

// RingRiskConfig holds the ring risk formula weights.
type RingRiskConfig struct {
	Base           map[Pattern]float64 `json:"base"`
	AmountWeight   float64             `json:"amountWeight"`
	AmountScale    float64             `json:"amountScale"`
	VelocityWeight float64             `json:"velocityWeight"`
	VelocitySpan   time.Duration       `json:"velocitySpan"`

	// MemberPenalty is subtracted per member beyond FreeMembers.
	MemberPenalty float64 `json:"memberPenalty"`
	FreeMembers   int     `json:"freeMembers"`
}

// SuspicionConfig holds the account scoring parameters.
type SuspicionConfig struct {
	// VelocityThreshold is the hourly count above which an account is
	// scored even without ring membership.
	VelocityThreshold int `json:"velocityThreshold"`

	// VelocityHighThreshold earns the larger bonus.
	VelocityHighThreshold int `json:"velocityHighThreshold"`

	VelocityBonus     int `json:"velocityBonus"`
	VelocityHighBonus int `json:"velocityHighBonus"`
	MerchantPenalty   int `json:"merchantPenalty"`

	// Alpha is the weight of the rule score in the ML blend.
	Alpha float64 `json:"alpha"`
}

// MerchantConfig holds the CEL expression that flags merchant-like accounts.
type MerchantConfig struct {
	Expression string `json:"expression"`
}

// DefaultMerchantExpression flags accounts whose profile resembles a
// legitimate high-volume merchant.
const DefaultMerchantExpression = `tx_count >= 200 || (unique_senders >= 100 && avg_inbound_amount < 5000.0)`

// DefaultDetectionConfig returns the documented default thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		VelocityWindow: time.Hour,
		Cycle: CycleConfig{
			MinLength:         3,
			MaxLength:         5,
			MinHopAmount:      decimal.NewFromInt(10),
			MaxPathsPerStart:  50000,
			MaxCyclesPerStart: 200,
		},
		Smurfing: SmurfingConfig{
			Window:            24 * time.Hour,
			MinCounterparties: 5,
			MinTotalAmount:    decimal.NewFromInt(1000),
		},
		Layering: LayeringConfig{
			MinHops:          3,
			MaxHops:          6,
			SkimTolerance:    0.20,
			RiseTolerance:    0.02,
			MinHopAmount:     decimal.NewFromInt(10),
			MaxPathsPerStart: 20000,
		},
		RingRisk: RingRiskConfig{
			Base: map[Pattern]float64{
				PatternCycle:   0.55,
				PatternLayered: 0.50,
				PatternFanIn:   0.40,
				PatternFanOut:  0.40,
			},
			AmountWeight:   0.25,
			AmountScale:    100000,
			VelocityWeight: 0.20,
			VelocitySpan:   72 * time.Hour,
			MemberPenalty:  0.01,
			FreeMembers:    5,
		},
		Suspicion: SuspicionConfig{
			VelocityThreshold:     5,
			VelocityHighThreshold: 10,
			VelocityBonus:         10,
			VelocityHighBonus:     20,
			MerchantPenalty:       50,
			Alpha:                 0.6,
		},
		Merchant: MerchantConfig{
			Expression: DefaultMerchantExpression,
		},
	}
}
