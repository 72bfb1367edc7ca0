// Package config loads the FlowACP daemon configuration from a JSON file,
// layers secrets from the environment (optionally seeded from a .env file) on
// top, fills defaults and validates addresses, amounts and driver choices.
package config
