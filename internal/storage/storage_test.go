package storage

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephens/remo-bridge/internal/config"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testKey(t *testing.T) *EncryptionKey {
	t.Helper()
	key, err := NewEncryptionKey(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return key
}

func TestEncryptionRoundTrip(t *testing.T) {
	key := testKey(t)

	sealed, err := key.EncryptString("token-123")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "token-123")

	plain, err := key.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "token-123", plain)

	_, err = key.Decrypt([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = NewEncryptionKey([]byte("short"))
	assert.Error(t, err)
}

func TestLoadOrCreateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "encryption.key")
	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	sealed, err := first.EncryptString("x")
	require.NoError(t, err)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	plain, err := second.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", plain)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	version, err := SchemaVersion(db.conn)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestEntryStore(t *testing.T) {
	store := NewEntryStore(openTestDB(t), testKey(t))

	entry, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, store.Save(config.NewEntry(config.SourceUser, "secret", 30)))
	entry, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "secret", entry.AccessToken)
	assert.Equal(t, 30, entry.UpdateIntervalSeconds)
	assert.Equal(t, config.EntryVersion, entry.Version)

	require.NoError(t, store.SetState(config.EntrySetupError))
	entry, err = store.Load()
	require.NoError(t, err)
	assert.True(t, entry.Failed())

	require.NoError(t, store.Delete())
	entry, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestEntityStateUpsert(t *testing.T) {
	db := openTestDB(t)

	rec := &EntityRecord{EntityID: "ac-1", Kind: "climate", Name: "Living", Available: true, State: json.RawMessage(`{"mode":"cool"}`)}
	require.NoError(t, db.SaveEntityState(rec))
	rec.State = json.RawMessage(`{"mode":"warm"}`)
	rec.Available = false
	require.NoError(t, db.SaveEntityState(rec))

	all, err := db.GetAllEntityStates()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Available)
	assert.JSONEq(t, `{"mode":"warm"}`, string(all[0].State))

	require.NoError(t, db.DeleteEntityState("ac-1"))
	all, err = db.GetAllEntityStates()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestImportNotice(t *testing.T) {
	db := openTestDB(t)

	n, err := db.GetImportNotice()
	require.NoError(t, err)
	assert.False(t, n.Shown)
	assert.False(t, n.Acknowledged)

	require.NoError(t, db.ShowImportNotice())
	require.NoError(t, db.AcknowledgeImportNotice())
	n, err = db.GetImportNotice()
	require.NoError(t, err)
	assert.True(t, n.Shown)
	assert.True(t, n.Acknowledged)
}

func TestEventLogFilterAndPrune(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.LogEvent(EventSourceRemo, EventTypeError, "poll failed", map[string]string{"error": "timeout"}))
	require.NoError(t, db.LogEvent(EventSourceUser, EventTypeCommand, "set mode", nil))

	src := EventSourceRemo
	logs, err := db.GetEventLogs(EventLogFilter{Source: &src})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "poll failed", logs[0].Message)
	assert.JSONEq(t, `{"error":"timeout"}`, string(logs[0].Details))

	logs, err = db.GetEventLogs(EventLogFilter{Offset: 1})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	removed, err := db.PruneEventLogs(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
