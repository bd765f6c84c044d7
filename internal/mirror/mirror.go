// Package mirror implements the read-only replication of the home node's
// authoritative store to every other device: seal-and-push from the home
// node, pull-verify-atomic-replace on a device.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/memorycrystal/crystal/internal/crypto"
	"github.com/memorycrystal/crystal/internal/relay/client"
)

const channel = "mirror"

// Snapshotter is the one store capability the mirror protocol needs: a
// self-consistent byte copy of the authoritative database file.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// PushMeta is the small sealed object accompanying each mirror push,
// describing the sealed database blob dropped alongside it.
type PushMeta struct {
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	PushedAt time.Time `json:"pushed_at"`
}

type mirrorDrop struct {
	Meta *crypto.Payload `json:"meta"`
	DB   *crypto.Payload `json:"db"`
}

// Push reads the authoritative store's current bytes, seals them alongside
// a metadata envelope, and drops both onto the mirror channel.
func Push(ctx context.Context, relayClient *client.Client, store Snapshotter) error {
	dbBytes, err := store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("mirror: snapshot store: %w", err)
	}

	meta := PushMeta{
		Hash:     crypto.Hash(dbBytes),
		Size:     int64(len(dbBytes)),
		PushedAt: time.Now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("mirror: marshal meta: %w", err)
	}

	sealedMeta, err := relayClient.Seal(metaJSON)
	if err != nil {
		return fmt.Errorf("mirror: seal meta: %w", err)
	}
	sealedDB, err := relayClient.Seal(dbBytes)
	if err != nil {
		return fmt.Errorf("mirror: seal db: %w", err)
	}

	body, err := json.Marshal(mirrorDrop{Meta: sealedMeta, DB: sealedDB})
	if err != nil {
		return fmt.Errorf("mirror: marshal drop: %w", err)
	}

	if _, err := relayClient.DropRaw(ctx, channel, body); err != nil {
		return fmt.Errorf("mirror: drop: %w", err)
	}
	return nil
}

// Pull fetches the newest mirror blob, verifies it end to end, and, if it is
// new, atomically replaces destPath with the decrypted database. It always
// attempts to confirm-delete every blob it saw on the channel, regardless of
// which one (if any) it applied.
func Pull(ctx context.Context, relayClient *client.Client, logger *logrus.Logger, destPath, statePath string, force bool) (applied bool, err error) {
	blobs, err := relayClient.List(ctx, channel)
	if err != nil {
		return false, fmt.Errorf("mirror: list: %w", err)
	}
	if len(blobs) == 0 {
		return false, nil
	}

	latest := blobs[0]
	for _, b := range blobs[1:] {
		if b.DroppedAt.After(latest.DroppedAt) {
			latest = b
		}
	}

	defer func() {
		for _, b := range blobs {
			if confirmErr := relayClient.Confirm(ctx, channel, b.ID); confirmErr != nil && logger != nil {
				logger.WithError(confirmErr).WithField("blob_id", b.ID).Warn("mirror: best-effort confirm failed")
			}
		}
	}()

	raw, err := relayClient.Fetch(ctx, channel, latest.ID)
	if err != nil {
		return false, fmt.Errorf("mirror: fetch: %w", err)
	}

	var drop mirrorDrop
	if err := json.Unmarshal(raw, &drop); err != nil {
		return false, fmt.Errorf("mirror: decode drop: %w", err)
	}

	metaPlain, err := relayClient.Open(drop.Meta)
	if err != nil {
		return false, fmt.Errorf("mirror: open meta: %w", err)
	}
	var meta PushMeta
	if err := json.Unmarshal(metaPlain, &meta); err != nil {
		return false, fmt.Errorf("mirror: decode meta: %w", err)
	}

	state, err := loadState(statePath)
	if err != nil {
		return false, fmt.Errorf("mirror: load state: %w", err)
	}
	if !force && state.LastAppliedHash == meta.Hash {
		return false, nil
	}

	dbPlain, err := relayClient.Open(drop.DB)
	if err != nil {
		return false, fmt.Errorf("mirror: open db: %w", err)
	}

	if got := crypto.Hash(dbPlain); got != meta.Hash {
		return false, fmt.Errorf("mirror: integrity check failed: meta hash %s, decrypted hash %s", meta.Hash, got)
	}

	if err := atomicReplace(destPath, dbPlain); err != nil {
		return false, fmt.Errorf("mirror: replace: %w", err)
	}

	state.LastAppliedHash = meta.Hash
	if err := saveState(statePath, state); err != nil {
		return false, fmt.Errorf("mirror: save state: %w", err)
	}

	return true, nil
}

// atomicReplace writes data to a temp file beside dest, backs up any
// existing dest, then renames the temp file into place.
func atomicReplace(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, dest+".bak"); err != nil {
			return fmt.Errorf("back up existing mirror: %w", err)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
