package monitor

import (
	"encoding/hex"
	"fmt"

	"github.com/rvfw/miralis/engine/platform"
)

// knownPolicies is the set of policy names a Config may enable, in the
// order engine/policy implements them.
var knownPolicies = map[string]bool{
	"protect-payload": true,
	"offload":         true,
	"keystone":        true,
	"counters":        true,
}

// Config describes one Miralis instance: the images it boots, the
// platform it believes it is running on, and which policies are wired
// into its module chain, in registration order. Following
// sandbox/config.go's shape, it is persisted inside the instance's
// state.json and loaded back by the CLI.
type Config struct {
	Debug bool `json:"debug,omitempty"`

	FirmwarePath string `json:"firmware_path"`
	PayloadPath  string `json:"payload_path"`

	Platform  string `json:"platform"`
	NbHarts   int    `json:"nb_harts,omitempty"`   // 0: use the platform default
	StackSize uint64 `json:"stack_size,omitempty"` // 0: use the platform default

	// Policies names the enabled policies in registration order — the
	// order the module chain consults them and the order I-MODULE-ORDER
	// is judged against.
	Policies []string `json:"policies,omitempty"`

	// ProtectPayloadHash is the hex-encoded SHA3-256 digest the
	// protect-payload policy compares the payload image (plus entry pc)
	// against on first activation. Required if "protect-payload" is
	// enabled.
	ProtectPayloadHash string `json:"protect_payload_hash,omitempty"`
}

// Validate checks c for internal consistency and resolves its platform
// name, returning the resolved platform.Params for convenience.
func (c *Config) Validate() (platform.Params, error) {
	if c.FirmwarePath == "" {
		return platform.Params{}, fmt.Errorf("firmware_path must be set")
	}
	if c.PayloadPath == "" {
		return platform.Params{}, fmt.Errorf("payload_path must be set")
	}

	params, err := platform.Lookup(c.Platform)
	if err != nil {
		return platform.Params{}, err
	}
	if c.NbHarts < 0 {
		return platform.Params{}, fmt.Errorf("nb_harts must not be negative")
	}
	if c.NbHarts > 0 {
		params.NbHarts = c.NbHarts
	}
	if c.StackSize > 0 {
		params.StackSize = c.StackSize
	}

	seen := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if !knownPolicies[p] {
			return platform.Params{}, fmt.Errorf("unknown policy %q", p)
		}
		if seen[p] {
			return platform.Params{}, fmt.Errorf("policy %q enabled twice", p)
		}
		seen[p] = true
	}

	if seen["protect-payload"] {
		raw, err := hex.DecodeString(c.ProtectPayloadHash)
		if err != nil || len(raw) != 32 {
			return platform.Params{}, fmt.Errorf("protect_payload_hash must be a 32-byte hex-encoded SHA3-256 digest")
		}
	}

	return params, nil
}

// protectPayloadHash decodes ProtectPayloadHash into its raw 32-byte
// form; callers must have already run Validate successfully.
func (c *Config) protectPayloadHash() [32]byte {
	var digest [32]byte
	raw, _ := hex.DecodeString(c.ProtectPayloadHash)
	copy(digest[:], raw)
	return digest
}
