// Package config holds the daemon's process-scoped configuration, set once
// at startup from CLI flags and immutable thereafter.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the node's interval-parity class.
type Role string

const (
	RoleEven Role = "even"
	RoleOdd  Role = "odd"
)

func (r Role) Valid() bool {
	return r == RoleEven || r == RoleOdd
}

// Opposite returns the other role in the dual-role protocol.
func (r Role) Opposite() Role {
	if r == RoleEven {
		return RoleOdd
	}
	return RoleEven
}

// Config is the full set of §6 configuration knobs, plus the wiring needed
// to stand the daemon up (DB DSN, listen address, node identity).
type Config struct {
	NodeID  string
	Role    Role
	DBPath  string
	Listen  string

	DefaultStepSize  int32
	RefreshThreshold float64

	HeartbeatInterval    time.Duration
	FailoverScanInterval time.Duration
	RefreshTimeout       time.Duration
	PrefetchDeadline     time.Duration
}

// Default returns the §6 default configuration; callers override fields
// from flags before calling Validate.
func Default() *Config {
	return &Config{
		NodeID:               uuid.NewString(),
		DBPath:               "seqd.db",
		Listen:               "127.0.0.1:8421",
		DefaultStepSize:      1000,
		RefreshThreshold:     0.1,
		HeartbeatInterval:    30 * time.Second,
		FailoverScanInterval: 30 * time.Second,
		RefreshTimeout:       10 * time.Second,
		PrefetchDeadline:     5 * time.Second,
	}
}

// Validate enforces the invariants §6/§7 require before the daemon serves
// traffic: role must be set, the default step size must be positive, the
// refresh threshold must lie in [0,1], and node_id must not be empty.
func (c *Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("config: role must be %q or %q, got %q", RoleEven, RoleOdd, c.Role)
	}
	if c.DefaultStepSize <= 0 {
		return fmt.Errorf("config: default_step_size must be positive, got %d", c.DefaultStepSize)
	}
	if c.RefreshThreshold < 0 || c.RefreshThreshold > 1 {
		return fmt.Errorf("config: refresh_threshold must be in [0,1], got %v", c.RefreshThreshold)
	}
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id must not be empty")
	}
	return nil
}
