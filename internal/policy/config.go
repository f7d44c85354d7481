package policy

import (
	"fmt"
	"time"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Mode defines the overlay operating mode
type Mode string

const (
	// ModeOff disables overlay evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates the overlay and records its verdict without applying it
	ModeDryRun Mode = "dry-run"
	// ModeEnforce applies overlay verdicts
	ModeEnforce Mode = "enforce"
)

// ParseMode validates a mode string. Empty means off.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOff, ModeDryRun, ModeEnforce:
		return m, nil
	case "":
		return ModeOff, nil
	}
	return "", fmt.Errorf("unknown policy overlay mode %q", s)
}

// Config holds autonomy policy configuration
type Config struct {
	// DefaultAutonomy applies to actions that have no owning team
	DefaultAutonomy models.AutonomyLevel `mapstructure:"default_autonomy"`

	Overlay OverlayConfig `mapstructure:"overlay"`
}

// OverlayConfig configures the optional rego overlay.
type OverlayConfig struct {
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed determines behaviour when the overlay can't be loaded or evaluated
	// true: every decision requires approval
	// false: the overlay is skipped and the decision table stands alone
	FailClosed bool `mapstructure:"fail_closed"`

	// Watch reloads policies when .rego files under Path change
	Watch bool `mapstructure:"watch"`

	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns a supervised default with the overlay off.
func DefaultConfig() Config {
	return Config{
		DefaultAutonomy: models.AutonomySupervised,
		Overlay: OverlayConfig{
			Mode:      ModeOff,
			Path:      "config/policies",
			CacheSize: 1000,
			CacheTTL:  5 * time.Minute,
		},
	}
}
