package ratelimit

// TierConfig defines trigger rate limits for one workflow tier
type TierConfig struct {
	Tier          WorkflowTier
	Limit         int64  // Triggers allowed per window
	WindowSeconds int    // Time window in seconds
	Description   string // Human-readable description
}

// Default tier configurations
var DefaultTierConfigs = map[WorkflowTier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "Simple workflows (no loop nodes) - 100 runs/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Standard workflows (1-2 loop nodes) - 20 runs/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "Heavy workflows (3+ loop nodes or 50+ nodes) - 5 runs/minute",
	},
}

// GlobalConfig contains service-wide limits
type GlobalConfig struct {
	Limit         int64 // Total triggers per window across all users
	WindowSeconds int
}

// Default global configuration
var DefaultGlobalConfig = GlobalConfig{
	Limit:         300,
	WindowSeconds: 60,
}

// LimitForTier returns the rate limit for a given tier
func LimitForTier(tier WorkflowTier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	// Fallback to the most restrictive tier
	return DefaultTierConfigs[TierHeavy].Limit
}

// WindowForTier returns the time window for a given tier
func WindowForTier(tier WorkflowTier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}

// AllTiers returns all configured tiers for API responses
func AllTiers() []TierConfig {
	return []TierConfig{
		DefaultTierConfigs[TierSimple],
		DefaultTierConfigs[TierStandard],
		DefaultTierConfigs[TierHeavy],
	}
}
