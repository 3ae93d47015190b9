// Package config handles loading and validating beamline-core configuration.
//
// This package manages:
//   - Loading configuration from layered TOML files (iconfig.toml)
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//   - Device definition sections consumed by the instrument loader
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - JWT secrets must be changed from defaults before production use
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load(config.FilePaths("configs/iconfig.toml")...)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Beamline.Name)
package config
