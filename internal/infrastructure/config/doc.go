// Package config handles loading and validating Bifrost configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The MQTT broker settings are deliberately absent: they are entered through
// the local configuration page, validated against the live broker, and kept
// in the settings store (see internal/settings).
//
// Security Considerations:
//   - Sensitive values (MPD password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Volume.Backend)
package config
