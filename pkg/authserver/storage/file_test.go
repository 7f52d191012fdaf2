// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileBackendAt(t *testing.T, path string) *FileBackend {
	t.Helper()

	b, err := NewFileBackend(path,
		WithDebounceInterval(10*time.Millisecond),
		WithPeriodicFlushInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))
	return b
}

func TestFileBackend_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	b := newFileBackendAt(t, path)

	const n = 5
	ids := make([]string, 0, n)
	for range n {
		session := newTestSession()
		require.NoError(t, b.CreateSession(ctx, session))
		ids = append(ids, session.ID)
	}
	require.NoError(t, b.StoreClient(ctx, &Client{
		ID:           "client-1",
		RedirectURIs: []string{"https://client.example.com/cb"},
		CreatedAt:    time.Now(),
	}))
	require.NoError(t, b.AssociateExternalSession(ctx, "ext-1", ids[0]))
	require.NoError(t, b.Close())

	// Reopen against the same file and verify everything came back.
	reopened := newFileBackendAt(t, path)
	defer reopened.Close()

	for _, id := range ids {
		_, err := reopened.GetSession(ctx, id)
		require.NoError(t, err, "session %s lost across restart", id)
	}

	sessionID, err := reopened.LookupExternalSession(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, ids[0], sessionID)

	client, err := reopened.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://client.example.com/cb"}, client.RedirectURIs)

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Sessions)
}

func TestFileBackend_TokenIndexesSurviveRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	b := newFileBackendAt(t, path)
	session := newTestSession()
	require.NoError(t, b.CreateSession(ctx, session))
	require.NoError(t, b.Close())

	reopened := newFileBackendAt(t, path)
	defer reopened.Close()

	got, err := reopened.GetSessionByAccessToken(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	got, err = reopened.GetSessionByRefreshToken(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestFileBackend_NoTempFileResidue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	b := newFileBackendAt(t, filepath.Join(dir, "state.json"))
	require.NoError(t, b.CreateSession(ctx, newTestSession()))
	require.NoError(t, b.Flush())
	require.NoError(t, b.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"),
			"temp file %s left behind", e.Name())
	}
}

func TestFileBackend_FlushIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	b := newFileBackendAt(t, path)
	defer b.Close()

	// Nothing dirty yet: no file is written.
	require.NoError(t, b.Flush())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, b.CreateSession(ctx, newTestSession()))
	require.NoError(t, b.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	first := info.ModTime()

	// Flushing again without changes leaves the file untouched.
	require.NoError(t, b.Flush())
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, first, info.ModTime())
}

func TestFileBackend_DebouncedWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	b := newFileBackendAt(t, path)
	defer b.Close()

	require.NoError(t, b.CreateSession(ctx, newTestSession()))

	// The background writer persists without an explicit Flush.
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileBackend_CorruptSnapshotStartsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	b := newFileBackendAt(t, path)
	defer b.Close()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sessions)

	// The backend stays usable and the next snapshot replaces the junk.
	require.NoError(t, b.CreateSession(ctx, newTestSession()))
	require.NoError(t, b.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc fileDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, fileDocumentVersion, doc.Version)
	assert.Len(t, doc.Sessions, 1)
}

func TestFileBackend_UnsupportedVersionStartsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"version":"99"}`), 0600))

	b := newFileBackendAt(t, path)
	defer b.Close()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Sessions)
}

func TestFileBackend_ReadsPriorVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	session := newTestSession()
	doc := fileDocument{Version: "1", Sessions: []*Session{session}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	b := newFileBackendAt(t, path)
	defer b.Close()

	got, err := b.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Username, got.Username)
}

func TestFileBackend_ExpiredRecordsDroppedOnLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	doc := fileDocument{
		Version: fileDocumentVersion,
		DeviceFlows: []*DeviceFlow{{
			FlowToken: "stale", DeviceCode: "d", UserCode: "u",
			VerificationURI: "https://x", ClientID: "c",
			PKCEChallenge: "ch", PKCEMethod: "S256",
			ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now().Add(-2 * time.Hour),
		}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	b := newFileBackendAt(t, path)
	defer b.Close()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.DeviceFlows)

	_, err = b.GetDeviceFlow(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
}
