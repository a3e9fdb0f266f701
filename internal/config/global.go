package config

import "sync/atomic"

var current atomic.Pointer[Config]

// Init installs the defaults. It must run before Load.
func Init() error {
	c, err := Default()
	if err != nil {
		return err
	}
	current.Store(&c)
	return nil
}

// Load returns the current snapshot. Treat it as read-only.
func Load() *Config {
	return current.Load()
}

// Update applies mut to a copy of the current snapshot and installs it.
func Update(mut func(*Config)) *Config {
	next := Load().clone()
	mut(&next)
	current.Store(&next)
	return &next
}

// Swap installs next as the current snapshot.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}
