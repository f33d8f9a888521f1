package session

import (
	"fmt"
	"strings"
	"time"
)

// Config controls session behavior.
type Config struct {
	// ServerURL is the backend base URL (http or https).
	ServerURL string

	// RefreshTimeout bounds one refresh exchange. It applies to the shared
	// in-flight exchange, independently of any single caller's context.
	RefreshTimeout time.Duration

	// LandingRoute is navigated to after logout.
	LandingRoute string
	// HomeRoute is navigated to after login/register.
	HomeRoute string
	// StayRoutes are routes from which login/register does not navigate away.
	StayRoutes []string
}

// DefaultConfig returns a configuration for a local development backend.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:8000",
		RefreshTimeout: 10 * time.Second,
		LandingRoute:   "/",
		HomeRoute:      "/chat",
		StayRoutes:     []string{"/models"},
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("%w: server url is required", ErrConfig)
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("%w: refresh timeout must be positive", ErrConfig)
	}
	return nil
}

func (c Config) stays(route string) bool {
	for _, r := range c.StayRoutes {
		if r == route {
			return true
		}
	}
	return false
}
