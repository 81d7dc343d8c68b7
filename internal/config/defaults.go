package config

import "github.com/spf13/viper"

// SetDefaults registers viper defaults for every infrastructure setting on
// v. Domain defaults (warning times, grace period, ...) live in
// model.DefaultSettings and are seeded into the state Blob on first load.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("control_api.host", "127.0.0.1")
	v.SetDefault("control_api.port", 8787)
	v.SetDefault("control_api.jwt_secret", "")
	v.SetDefault("control_api.token_ttl", "15m")

	v.SetDefault("gateway.listen_host", "0.0.0.0")
	v.SetDefault("gateway.listen_port", 8788)

	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", "5s")
	v.SetDefault("oracle.cache_ttl", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("state.path", "")
	v.SetDefault("state.watch", true)
}
