package config

import (
	"os"
	"strings"
)

type Config struct {
	DatabaseURL  string
	RedisURL     string
	NatsURL      string
	KafkaBrokers string
	Port         string

	StripeSecretKey     string
	StripeWebhookSecret string

	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string

	SupportedCurrencies []string
	JaegerEndpoint      string
}

func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	currencies := os.Getenv("SUPPORTED_CURRENCIES")
	if currencies == "" {
		currencies = "usd,eur,gbp"
	}

	return &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		NatsURL:      os.Getenv("NATS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		Port:         port,

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		MercadoPagoAccessToken:   os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),

		SupportedCurrencies: strings.Split(strings.ToLower(currencies), ","),
		JaegerEndpoint:      os.Getenv("JAEGER_ENDPOINT"),
	}
}

func (c *Config) CurrencySupported(currency string) bool {
	currency = strings.ToLower(strings.TrimSpace(currency))
	for _, cur := range c.SupportedCurrencies {
		if cur == currency {
			return true
		}
	}
	return false
}
