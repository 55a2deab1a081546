package models

// ChargeProfile bounds the battery's charge window: discharge floor,
// charge ceiling, and the recharge point below which charging resumes.
// Values are percentages of capacity.
type ChargeProfile struct {
	Min int `json:"min"`
	Max int `json:"max"`
	Re  int `json:"re"`
}

// Named charge profile presets. Custom is any shape that matches no preset.
const (
	ProfilePerformance  = "performance"
	ProfileBalanced     = "balanced"
	ProfileBatterySaver = "battery_saver"
	ProfileCustom       = "custom"
)

// ProfilePresets maps preset names to their charge windows.
var ProfilePresets = map[string]ChargeProfile{
	ProfilePerformance:  {Min: 0, Max: 100, Re: 95},
	ProfileBalanced:     {Min: 2, Max: 95, Re: 90},
	ProfileBatterySaver: {Min: 15, Max: 85, Re: 80},
}

// ClassifyProfile returns the preset name matching the profile, or
// ProfileCustom when no preset matches.
func ClassifyProfile(p ChargeProfile) string {
	for name, preset := range ProfilePresets {
		if preset == p {
			return name
		}
	}
	return ProfileCustom
}

// ProfileFields renders a charge profile as a desired-state patch.
func ProfileFields(p ChargeProfile) Fields {
	return Fields{
		"chargeProfile": map[string]any{
			"min": float64(p.Min),
			"max": float64(p.Max),
			"re":  float64(p.Re),
		},
	}
}
