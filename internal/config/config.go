package config

import (
	"os"
	"strconv"
)

type Config struct {
	Env         string
	Port        int
	DatabaseURL string
	JWTSecret   string
	LogJSON     bool

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	// AllowUnverifiedWebhooks accepts unsigned webhook deliveries when no
	// webhook secret is set. Dev only; production fails closed.
	AllowUnverifiedWebhooks bool

	KafkaBroker string
	RedisAddr   string
}

func Default() Config {
	return Config{
		Env:     "dev",
		Port:    5000,
		LogJSON: true,
	}
}

func EnvDefaults() Config {
	return fromEnv(Default())
}

func fromEnv(c Config) Config {
	if v := os.Getenv("ELEARN_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("ELEARN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("ELEARN_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("ELEARN_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("ELEARN_LOG_JSON"); v != "" {
		c.LogJSON = boolOf(v, c.LogJSON)
	}
	if v := os.Getenv("RAZORPAY_KEY_ID"); v != "" {
		c.RazorpayKeyID = v
	}
	if v := os.Getenv("RAZORPAY_KEY_SECRET"); v != "" {
		c.RazorpayKeySecret = v
	}
	if v := os.Getenv("RAZORPAY_WEBHOOK_SECRET"); v != "" {
		c.RazorpayWebhookSecret = v
	}
	if v := os.Getenv("ELEARN_ALLOW_UNVERIFIED_WEBHOOKS"); v != "" {
		c.AllowUnverifiedWebhooks = boolOf(v, c.AllowUnverifiedWebhooks)
	}
	if v := os.Getenv("ELEARN_KAFKA_BROKER"); v != "" {
		c.KafkaBroker = v
	}
	if v := os.Getenv("ELEARN_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	return c
}

func boolOf(v string, def bool) bool {
	switch v {
	case "1", "true", "TRUE":
		return true
	case "0", "false", "FALSE":
		return false
	}
	return def
}
