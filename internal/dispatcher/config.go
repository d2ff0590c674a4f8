package dispatcher

import "time"

// Config defines the dispatcher configuration.
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// StaleAfter is the heartbeat age past which a machine is offline.
	StaleAfter time.Duration
	// UnplacedAlertAfter is how long a task may sit queued without a machine
	// before an operator is alerted.
	UnplacedAlertAfter time.Duration
	// StaleRunningAfter is how long an in-flight task on an offline machine
	// may age before an operator is alerted.
	StaleRunningAfter time.Duration
	// StaleRunningFailAfter fails claimed or running tasks whose machine has
	// been silent this long. Zero disables it.
	StaleRunningFailAfter time.Duration
	// StrictAffinity excludes machines whose declared affinities do not
	// include the task's project. Machines with no affinities stay eligible.
	StrictAffinity bool
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		StaleAfter:         45 * time.Second,
		UnplacedAlertAfter: 10 * time.Minute,
		StaleRunningAfter:  2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.UnplacedAlertAfter <= 0 {
		c.UnplacedAlertAfter = def.UnplacedAlertAfter
	}
	if c.StaleRunningAfter <= 0 {
		c.StaleRunningAfter = def.StaleRunningAfter
	}
	return c
}
