// Package private implements the capture kill switch: a single flag
// persisted to a small JSON file. The package stores and reports the flag
// only; no capture path in this module (internal/capture, cmd/crystald's
// poller) and no explicit memory write (ingest.Pipeline.Remember) reads
// it. Search is never affected by it.
package private

import (
	"encoding/json"
	"fmt"
	"os"
)

// state's Enabled field is a pointer so a file that omits the key (or is
// "{}") is distinguishable from one that explicitly sets false — both must
// default to enabled per the gate's fail-open contract.
type state struct {
	Enabled *bool `json:"enabled"`
}

// Gate holds the persisted on/off flag for capture and explicit-memory
// operations. A missing or corrupt flag file defaults to enabled, so a
// damaged gate file fails open rather than silently disabling capture.
type Gate struct {
	path string
}

// New returns a Gate backed by the JSON file at path. The file is not
// created until the first SetEnabled call.
func New(path string) *Gate {
	return &Gate{path: path}
}

// Enabled reports whether capture and explicit memory writes should
// proceed. Absence or corruption of the backing file is treated as
// enabled.
func (g *Gate) Enabled() bool {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return true
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return true
	}
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// SetEnabled persists the flag's new value.
func (g *Gate) SetEnabled(enabled bool) error {
	data, err := json.Marshal(state{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("private: marshal state: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0o600); err != nil {
		return fmt.Errorf("private: write state: %w", err)
	}
	return nil
}
