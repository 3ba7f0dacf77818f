package storage

import (
	"fmt"

	"github.com/stephens/remo-bridge/internal/config"
)

// EntryStore persists config.Entry values with the access token encrypted
type EntryStore struct {
	db  *DB
	key *EncryptionKey
}

// NewEntryStore creates an entry store over db
func NewEntryStore(db *DB, key *EncryptionKey) *EntryStore {
	return &EntryStore{db: db, key: key}
}

// Load returns the stored entry or nil if none is configured
func (s *EntryStore) Load() (*config.Entry, error) {
	rec, err := s.db.GetConfigEntry()
	if err != nil || rec == nil {
		return nil, err
	}

	token, err := s.key.DecryptString(rec.TokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	return &config.Entry{
		Version:               rec.Version,
		Source:                config.EntrySource(rec.Source),
		State:                 config.EntryState(rec.State),
		AccessToken:           token,
		UpdateIntervalSeconds: rec.UpdateIntervalSeconds,
	}, nil
}

// Save stores entry, replacing the current one
func (s *EntryStore) Save(entry config.Entry) error {
	sealed, err := s.key.EncryptString(entry.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	return s.db.SaveConfigEntry(&ConfigEntry{
		Version:               entry.Version,
		Source:                string(entry.Source),
		State:                 string(entry.State),
		TokenEncrypted:        sealed,
		UpdateIntervalSeconds: entry.UpdateIntervalSeconds,
	})
}

// SetState records the setup state of the entry
func (s *EntryStore) SetState(state config.EntryState) error {
	return s.db.SetConfigEntryState(string(state))
}

// Delete removes the entry
func (s *EntryStore) Delete() error {
	return s.db.DeleteConfigEntry()
}
