/*
Package config loads and validates Gantry's runtime configuration.

Configuration is a single YAML file; every option has a documented default
so a minimal deployment can run with an empty file. Durations are expressed
in milliseconds under the documented *_ms option names.

	listen_addr: ":8080"
	base_prefix: api
	default_request_deadline_ms: 30000
	breaker_failure_threshold: 0.5
	lb_policy: p2c
	cache_capacity: 10000
	redis_addr: ""          # empty disables the external cache mirror

Load applies defaults, then overrides from the file, then Validate rejects
configurations the bridge cannot run with (unknown LB policy, non
power-of-two cache shard counts, inverted pool bounds).
*/
package config
