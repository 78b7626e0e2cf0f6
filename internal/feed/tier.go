package feed

import "time"

// Tier is the market data feed in effect for the whole process.
type Tier int

const (
	Premium Tier = iota + 1
	Fallback
)

func (t Tier) Name() string {
	switch t {
	case Premium:
		return "sip"
	case Fallback:
		return "iex"
	default:
		return "unknown"
	}
}

func (t Tier) String() string {
	return t.Name()
}

func (t Tier) Valid() bool {
	return t == Premium || t == Fallback
}

// StalenessThreshold widens the threshold on the single-venue tape, which prints less often.
func (t Tier) StalenessThreshold(base time.Duration) time.Duration {
	if t == Fallback {
		return 2 * base
	}
	return base
}
