// Package config provides configuration loading and validation for the RTSP connection core.
// It handles YAML-based configuration, RTSPCORE_* environment overrides (optionally read
// from a .env file) and per-section validation.
package config
