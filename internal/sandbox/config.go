package sandbox

// Config is the resolved, defaulted sandbox configuration. It exists so
// internal/config can parse a full sandbox stanza even though execution
// itself stays off by default — sandboxing tool execution is an explicit
// non-goal, but config parsing is an ambient concern carried regardless,
// the same way telemetry config is parsed whether or not tracing is enabled.
type Config struct {
	Mode            Mode
	Image           string
	WorkspaceAccess Access
	Scope           Scope
	MemoryMB        int
	CPUs            float64
	TimeoutSec      int
	NetworkEnabled  bool
	ReadOnlyRoot    bool
	SetupCommand    string
	Env             map[string]string

	User           string
	TmpfsSizeMB    int
	MaxOutputBytes int

	IdleHours        int
	MaxAgeDays       int
	PruneIntervalMin int
}

// Mode selects which tool calls get routed through a sandbox.
type Mode int

const (
	// ModeOff never routes tool calls through a sandbox (the default).
	ModeOff Mode = iota
	// ModeNonMain sandboxes everything except the main/primary agent.
	ModeNonMain
	// ModeAll sandboxes every agent's tool calls.
	ModeAll
)

// Access controls how much of the workspace a sandbox can see.
type Access int

const (
	AccessNone Access = iota
	AccessRO
	AccessRW
)

// Scope controls how sandboxes are keyed and reused.
type Scope int

const (
	ScopeSession Scope = iota
	ScopeAgent
	ScopeShared
)

// DefaultConfig matches the documented defaults in config.SandboxConfig:
// off, rw workspace access, session-scoped, 512MB/1 CPU/300s, read-only
// root, no network, 1MB output cap, pruned after 24h idle or 7 days old.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeOff,
		Image:            "goclaw-sandbox:bookworm-slim",
		WorkspaceAccess:  AccessRW,
		Scope:            ScopeSession,
		MemoryMB:         512,
		CPUs:             1.0,
		TimeoutSec:       300,
		NetworkEnabled:   false,
		ReadOnlyRoot:     true,
		MaxOutputBytes:   1 << 20,
		IdleHours:        24,
		MaxAgeDays:       7,
		PruneIntervalMin: 5,
	}
}
