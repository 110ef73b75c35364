package config

import "github.com/spf13/viper"

// SetDefaults configures default values for every numeric tunable and
// threshold named in the recognized options table. Mandatory fields are
// deliberately left unset here so their absence surfaces as a load error.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("tunables.upper_bound_clients", 100)
	v.SetDefault("tunables.client_timeout_seconds", 60)
	v.SetDefault("tunables.max_retries", 3)

	v.SetDefault("thresholds.calibration_limit", 10)
	v.SetDefault("thresholds.uncertainty_limit", 20)

	v.SetDefault("environment", string(Test))
}
