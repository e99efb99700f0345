package config

// Defaults returns a fresh copy of the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"marketplace": map[string]any{
			"base_url":        "https://www.backmarket.co.uk",
			"token":           "",
			"user_agent":      "marketsync/0.1",
			"accept_language": "en-gb",
			"proxy_url":       "",
		},
		"timeouts": map[string]any{
			"connect": "2s",
			"read":    "60s",
			"total":   "70s",
		},
		"rates": map[string]any{
			"window":           "10s",
			"penalty_factor":   0.5,
			"recover_after_ok": 10,
			"safety_margin":    1.0,
			"categories": map[string]any{
				"seller_generic":   100,
				"seller_mutations": 20,
				"buyback":          20,
			},
		},
		"breaker": map[string]any{
			"fail_threshold": 5,
			"cooldown":       "60s",
		},
		"retry": map[string]any{
			"base":   "500ms",
			"max":    "10s",
			"jitter": 0.3,
		},
		"concurrency": map[string]any{
			"global": 8,
		},
		"tracker": map[string]any{
			"flush_interval": "30s",
		},
		"cycle": map[string]any{
			"settle_wait":            "120s",
			"workers":                24,
			"chunk_size":             1000,
			"abort_on_first_failure": false,
			"mutation_max_attempts":  6,
			"fallback_price":         "2000.00",
			"currency":               "GBP",
		},
		"store": map[string]any{
			"driver":     "libsql",
			"path":       "",
			"url":        "",
			"auth_token": "",
			"dsn":        "",
			"max_conns":  10,
			"batch_size": 1000,
		},
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "SIMPLE",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
	}
}
