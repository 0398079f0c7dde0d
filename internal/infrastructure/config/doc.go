// Package config handles loading and validating Control Room configuration.
//
// This package manages:
//   - Loading configuration from a single YAML document
//   - Overriding selected values with environment variables
//   - Validation of the module fleet, macros and transforms
//   - Default value handling
//
// Configuration is read once at startup. Nothing watches the file, and
// changes require a restart of the control room.
//
// Security Considerations:
//   - Secrets (JWT secret, MQTT password, InfluxDB token) should be set via
//     environment variables rather than committed to the config file
//   - Module traffic is never authenticated; only the control surface is
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, m := range cfg.Modules.Entries {
//	    fmt.Println(m.Name, m.Port)
//	}
package config
