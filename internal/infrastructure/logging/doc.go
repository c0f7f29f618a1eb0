// Package logging provides structured logging for wisersync.
//
// It wraps log/slog so every record carries the same default fields
// (service, version) and components can tag themselves with Component.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("bootstrap").Info("inventory loaded", "loads", 12)
//
// Never log the gateway bearer token or MQTT/InfluxDB credentials.
package logging
