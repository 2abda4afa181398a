// Package config provides application configuration management.
//
// The config package handles loading and validation of the engine's
// configuration from YAML files and environment variables. It covers the
// recognized options of the execution core: sandbox limits, chunking,
// worker concurrency and leasing, the store location, the policy document,
// and logging.
package config
