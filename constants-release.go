//go:build release

package main

const (
	DEBUG             = false
	DefaultConfigPath = "routealerts.yaml"
	SecretsPath       = "secrets.json"
)
