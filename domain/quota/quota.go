// Package quota provides pure functions for quota enforcement.
// All functions are deterministic with no side effects.
package quota

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Outcome is the enforcement verdict for one request.
type Outcome int

const (
	OutcomeAllow  Outcome = iota // < 70%
	OutcomeNotice                // >= 70%, allowed with a soft notice
	OutcomeWarn                  // >= 85%, allowed, caller should upsell
	OutcomeBlock                 // >= 100%
)

// Threshold percentages. Lower bounds are inclusive.
const (
	NoticePercent = 70
	WarnPercent   = 85
	BlockPercent  = 100
)

// Unlimited marks a limit that is never enforced.
const Unlimited int64 = -1

// Path tells the enforcer which failure policy applies when usage is unknown.
type Path string

const (
	// PathRead is a non-monetary read path: fail open.
	PathRead Path = "read"
	// PathSpend can trigger spend or a block: fail closed.
	PathSpend Path = "spend"
)

// ParsePath parses a configured path, defaulting to PathSpend.
func ParsePath(s string) (Path, error) {
	switch Path(s) {
	case "", PathSpend:
		return PathSpend, nil
	case PathRead:
		return PathRead, nil
	default:
		return "", fmt.Errorf("unknown quota path %q", s)
	}
}

// FailsOpen reports whether the path admits requests when usage cannot be read.
func (p Path) FailsOpen() bool {
	return p == PathRead
}

// Config represents a quota limit over a trailing window (value type).
type Config struct {
	Limit  int64         // Unlimited (-1) disables enforcement
	Window time.Duration // Trailing window size
}

// Decision represents the outcome of a quota check (value type).
type Decision struct {
	Outcome     Outcome
	UnitsUsed   int64 // Including the requested increment
	Limit       int64 // Effective limit including grants
	PercentUsed float64
	Degraded    bool // Usage was unavailable and the path failed open
}

// Allowed reports whether the operation may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome != OutcomeBlock
}

// Notice reports whether the caller should show a soft usage notice.
func (d Decision) Notice() bool {
	return d.Outcome == OutcomeNotice
}

// Evaluate decides on projected usage (used + increment) against limit + granted.
// Thresholds are compared with integer arithmetic so boundaries are exact:
// projected == limit is a Block. Sums saturate at math.MaxInt64 and the
// percentage comparison is done in 128 bits, so huge inputs block instead of
// wrapping.
// This is a PURE function.
func Evaluate(used, increment, limit, granted int64) Decision {
	projected := addSat(max(used, 0), max(increment, 0))
	if limit < 0 {
		return Decision{Outcome: OutcomeAllow, UnitsUsed: projected, Limit: Unlimited}
	}

	effective := addSat(limit, max(granted, 0))
	d := Decision{
		UnitsUsed: projected,
		Limit:     effective,
	}

	if effective <= 0 {
		d.Outcome = OutcomeBlock
		d.PercentUsed = 100
		return d
	}

	d.PercentUsed = float64(projected) / float64(effective) * 100

	switch {
	case projected >= effective:
		d.Outcome = OutcomeBlock
	case reaches(projected, WarnPercent, effective):
		d.Outcome = OutcomeWarn
	case reaches(projected, NoticePercent, effective):
		d.Outcome = OutcomeNotice
	default:
		d.Outcome = OutcomeAllow
	}

	return d
}

// reaches reports projected*100 >= percent*effective. Operands are non-negative.
func reaches(projected int64, percent int, effective int64) bool {
	lhsHi, lhsLo := bits.Mul64(uint64(projected), 100)
	rhsHi, rhsLo := bits.Mul64(uint64(percent), uint64(effective))
	return lhsHi > rhsHi || (lhsHi == rhsHi && lhsLo >= rhsLo)
}

// addSat adds two non-negative values, clamping at math.MaxInt64.
func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// Open returns the decision used when a read path fails open.
func Open(limit int64) Decision {
	return Decision{Outcome: OutcomeAllow, Limit: limit, Degraded: true}
}

// String returns the string representation of an outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeNotice:
		return "notice"
	case OutcomeWarn:
		return "warn"
	case OutcomeBlock:
		return "block"
	default:
		return "unknown"
	}
}
