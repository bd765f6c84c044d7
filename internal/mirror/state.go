package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// State is the small piece of local, unencrypted bookkeeping a device keeps
// between mirror pulls: the hash of the mirror it last applied, so an
// unchanged push is a no-op rather than a redundant replace.
type State struct {
	LastAppliedHash string `json:"last_applied_hash"`
}

func loadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("mirror: read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("mirror: decode state: %w", err)
	}
	return s, nil
}

func saveState(path string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mirror: encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("mirror: write state: %w", err)
	}
	return nil
}
