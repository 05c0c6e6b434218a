//go:build !darwin && !linux

package storage

// Unknown types count as local.
func statfsType(string) (string, error) { return "unknown", nil }
