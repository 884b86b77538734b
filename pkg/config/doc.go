// Package config loads typed configuration from environment variables.
//
// Structs declare their variables with caarlos0/env tags. A .env file in the
// working directory is loaded once, best effort, before the first parse.
//
//	type StripeConfig struct {
//		SecretKey string `env:"STRIPE_SECRET_KEY,required"`
//	}
//
//	var cfg StripeConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// Load caches one value per type for the life of the process. Parse skips the
// cache and is what tests should use.
package config
