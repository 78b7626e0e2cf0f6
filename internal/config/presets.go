package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"tradecore/internal/risk"
)

// loadPresets layers risk.presets.<name> from the config file over the built-in presets.
func loadPresets(v *viper.Viper) (map[string]risk.Preset, error) {
	presets := risk.DefaultPresets()

	raw := v.GetStringMap("risk.presets")
	for name := range raw {
		key := strings.ToLower(name)
		preset, ok := presets[key]
		if !ok {
			preset = risk.Preset{}
		}
		if err := v.UnmarshalKey("risk.presets."+name, &preset); err != nil {
			return nil, &Error{Field: "risk.presets." + name, Reason: err.Error()}
		}
		preset.Name = key
		if err := preset.Validate(); err != nil {
			return nil, &Error{Field: "risk.presets." + name, Reason: fmt.Sprint(err)}
		}
		presets[key] = preset
	}
	return presets, nil
}
