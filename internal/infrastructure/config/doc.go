// Package config handles loading and validating wisersync configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Reading an optional .env file (WISERSYNC_ENV_FILE or ./.env)
//   - Overriding with WISERSYNC_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - The gateway token and MQTT/InfluxDB credentials should be supplied
//     through the environment rather than committed to the YAML file
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.Address())
package config
