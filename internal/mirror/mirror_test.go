package mirror

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorycrystal/crystal/internal/crypto"
	"github.com/memorycrystal/crystal/internal/relay/client"
)

type fakeStore struct {
	data []byte
}

func (f *fakeStore) Snapshot(ctx context.Context) ([]byte, error) {
	return f.data, nil
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// relayFake is a minimal in-memory stand-in for the dead-drop server,
// enough to drive a push/pull round trip through the real client.
type relayFake struct {
	blobs map[string][]byte
	next  int
}

func newRelayFake() *relayFake {
	return &relayFake{blobs: map[string][]byte{}}
}

func (f *relayFake) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/drop/mirror":
			body, _ := io.ReadAll(r.Body)
			f.next++
			id := fmt.Sprintf("blob-%d", f.next)
			f.blobs[id] = body
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": true, "id": id, "channel": "mirror", "size": len(body),
				"dropped_at": time.Now(),
			})
		case r.Method == http.MethodGet && r.URL.Path == "/pickup/mirror":
			type summary struct {
				ID        string    `json:"id"`
				Size      int64     `json:"size"`
				DroppedAt time.Time `json:"dropped_at"`
				AgentID   string    `json:"agent_id"`
			}
			var out []summary
			i := 0
			for id, b := range f.blobs {
				i++
				out = append(out, summary{ID: id, Size: int64(len(b)), DroppedAt: time.Now().Add(time.Duration(i) * time.Second)})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"channel": "mirror", "count": len(out), "blobs": out})
		case r.Method == http.MethodGet:
			id := r.URL.Path[len("/pickup/mirror/"):]
			b, ok := f.blobs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(b)
		case r.Method == http.MethodDelete:
			id := r.URL.Path[len("/confirm/mirror/"):]
			delete(f.blobs, id)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestPushThenPullAppliesMirror(t *testing.T) {
	fake := newRelayFake()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	key := testKey(t)
	c := client.New(ts.URL, "tok", key, nil, nil)

	store := &fakeStore{data: []byte("authoritative database bytes")}
	require.NoError(t, Push(context.Background(), c, store))
	require.Len(t, fake.blobs, 1)

	dir := t.TempDir()
	dest := filepath.Join(dir, "mirror.db")
	statePath := filepath.Join(dir, "mirror_state.json")

	applied, err := Pull(context.Background(), c, nil, dest, statePath, false)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, store.data, got)

	assert.Empty(t, fake.blobs, "pull must confirm-delete every blob it saw")

	state, err := loadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, crypto.Hash(store.data), state.LastAppliedHash)
}

func TestPullSkipsUnchangedMirror(t *testing.T) {
	fake := newRelayFake()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	key := testKey(t)
	c := client.New(ts.URL, "tok", key, nil, nil)

	dir := t.TempDir()
	dest := filepath.Join(dir, "mirror.db")
	statePath := filepath.Join(dir, "mirror_state.json")

	store := &fakeStore{data: []byte("same bytes every time")}
	require.NoError(t, Push(context.Background(), c, store))
	applied, err := Pull(context.Background(), c, nil, dest, statePath, false)
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, Push(context.Background(), c, store))
	applied, err = Pull(context.Background(), c, nil, dest, statePath, false)
	require.NoError(t, err)
	assert.False(t, applied, "identical hash must be a no-op")
}

func TestPullRejectsTamperedDatabase(t *testing.T) {
	fake := newRelayFake()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	key := testKey(t)
	c := client.New(ts.URL, "tok", key, nil, nil)

	store := &fakeStore{data: []byte("good bytes")}
	require.NoError(t, Push(context.Background(), c, store))

	for id, raw := range fake.blobs {
		var drop mirrorDrop
		require.NoError(t, json.Unmarshal(raw, &drop))
		tampered, err := crypto.Seal([]byte("tampered bytes"), key)
		require.NoError(t, err)
		drop.DB = tampered
		newRaw, err := json.Marshal(drop)
		require.NoError(t, err)
		fake.blobs[id] = newRaw
	}

	dir := t.TempDir()
	dest := filepath.Join(dir, "mirror.db")
	statePath := filepath.Join(dir, "mirror_state.json")
	require.NoError(t, os.WriteFile(dest, []byte("existing mirror contents"), 0o600))

	applied, err := Pull(context.Background(), c, nil, dest, statePath, false)
	assert.Error(t, err)
	assert.False(t, applied)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "existing mirror contents", string(got), "a failed integrity check must leave the existing mirror untouched")
}
