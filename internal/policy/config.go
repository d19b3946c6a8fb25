package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	Mode    Mode `mapstructure:"mode"`
	// Path is a .rego file or a directory of them. Empty uses the built-in policy.
	Path string `mapstructure:"path"`
	// FailClosed denies tools when evaluation errors; otherwise they are allowed.
	FailClosed bool `mapstructure:"fail_closed"`
}
