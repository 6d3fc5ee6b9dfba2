// Package config handles loading and validating LaserLink Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Merging an optional .env file and LASERLINK_* environment overrides
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Secrets (JWT secret, store secret, broker password) belong in the
//     environment or the .env file, not the YAML file
//   - The config and .env files should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.GatewayURL())
package config
