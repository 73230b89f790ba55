package config

import "os"

type Config struct {
	Port     string
	RedisURL string
	JoinURL  string
	Metrics  bool
}

// FromEnv reads the server configuration. An empty REDIS_URL selects the
// in-memory session store.
func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.RedisURL = os.Getenv("REDIS_URL")
	c.JoinURL = os.Getenv("JOIN_URL")
	c.Metrics = getenv("METRICS_ENABLED", "true") == "true"
	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
