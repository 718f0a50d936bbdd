//go:build !release

package main

const (
	DEBUG             = true
	DefaultConfigPath = "routealerts-debug.yaml"
	SecretsPath       = "secrets-debug.json"
)
