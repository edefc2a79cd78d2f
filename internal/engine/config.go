package engine

import "time"

// Config holds the timing parameters of a viewer session.
type Config struct {
	StalenessWindow   time.Duration
	RingTimeout       time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	LobbyInterval     time.Duration
	DirectoryInterval time.Duration
	RecentLimit       int
	NotFoundLimit     int
	NotFoundCooldown  time.Duration
	IOTimeout         time.Duration
	EventBuffer       int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow:   5 * time.Minute,
		RingTimeout:       30 * time.Second,
		PollInterval:      5 * time.Second,
		ReconcileInterval: 20 * time.Second,
		LobbyInterval:     3 * time.Second,
		DirectoryInterval: time.Minute,
		RecentLimit:       50,
		NotFoundLimit:     3,
		NotFoundCooldown:  time.Minute,
		IOTimeout:         10 * time.Second,
		EventBuffer:       128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = d.StalenessWindow
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = d.RingTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.LobbyInterval <= 0 {
		c.LobbyInterval = d.LobbyInterval
	}
	if c.DirectoryInterval <= 0 {
		c.DirectoryInterval = d.DirectoryInterval
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = d.RecentLimit
	}
	if c.NotFoundLimit <= 0 {
		c.NotFoundLimit = d.NotFoundLimit
	}
	if c.NotFoundCooldown <= 0 {
		c.NotFoundCooldown = d.NotFoundCooldown
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
