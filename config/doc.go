// Package config provides configuration management for AgentHive.
//
// Configuration is assembled from defaults, an optional YAML file, and
// environment variable overrides, then validated. Every engine component
// has its own section so deployments can tune one module without touching
// the others.
package config
