package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot file: %w", err)
	}
	return b, nil
}
