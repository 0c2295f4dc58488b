// Package config loads the daemon configuration from a YAML file, a local .env
// file and environment overrides, and converts it into the settings consumed by
// the orchestrator, the feeds and the task pipeline.
package config
