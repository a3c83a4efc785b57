package store

import (
	"context"
	"encoding/json"
	"fmt"

	"rapid/sos-relay/internal/model"
)

const (
	sosQueueKey    = "sos_queue"
	contactsKey    = "contacts"
	profileKey     = "user_profile"
	vaultIndexKey  = "vault_index"
	vaultKeyPrefix = "vault_"
	settingPrefix  = "setting_"
)

// QueueSOSMessage appends alert to the durable SOS queue. An entry with the same id is replaced in place.
func (s *Store) QueueSOSMessage(ctx context.Context, alert model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range queue {
		if queue[i].ID == alert.ID {
			queue[i] = alert
			replaced = true
			break
		}
	}
	if !replaced {
		queue = append(queue, alert)
	}
	return s.saveQueue(ctx, queue)
}

// SOSQueue returns queued alerts in insertion order.
func (s *Store) SOSQueue(ctx context.Context) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadQueue(ctx)
}

// UpdateQueuedAlert overwrites an existing queue entry. It returns ErrNotFound if alert is not queued.
func (s *Store) UpdateQueuedAlert(ctx context.Context, alert model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}
	for i := range queue {
		if queue[i].ID == alert.ID {
			queue[i] = alert
			return s.saveQueue(ctx, queue)
		}
	}
	return fmt.Errorf("update queued alert %s: %w", alert.ID, ErrNotFound)
}

// RemoveFromSOSQueue drops the alert with id. Removing an absent id is a no-op.
func (s *Store) RemoveFromSOSQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}

	filtered := queue[:0]
	for _, a := range queue {
		if a.ID != id {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == len(queue) {
		return nil
	}
	return s.saveQueue(ctx, filtered)
}

func (s *Store) loadQueue(ctx context.Context) ([]model.Alert, error) {
	raw, ok, err := s.GetItem(ctx, sosQueueKey)
	if err != nil {
		return nil, fmt.Errorf("load sos queue: %w", err)
	}
	if !ok || raw == "" {
		return []model.Alert{}, nil
	}

	var queue []model.Alert
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decode sos queue: %w", err)
	}
	return queue, nil
}

func (s *Store) saveQueue(ctx context.Context, queue []model.Alert) error {
	bytes, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode sos queue: %w", err)
	}
	if err := s.SetItem(ctx, sosQueueKey, string(bytes)); err != nil {
		return fmt.Errorf("save sos queue: %w", err)
	}
	return nil
}

// SaveContacts replaces the stored contact list.
func (s *Store) SaveContacts(ctx context.Context, contacts []model.Contact) error {
	return s.putSecureJSON(ctx, contactsKey, contacts)
}

// Contacts returns the stored contact list (empty if none).
func (s *Store) Contacts(ctx context.Context) ([]model.Contact, error) {
	contacts := []model.Contact{}
	if _, err := s.getSecureJSON(ctx, contactsKey, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// SaveProfile stores the user profile.
func (s *Store) SaveProfile(ctx context.Context, profile model.Profile) error {
	return s.putSecureJSON(ctx, profileKey, profile)
}

// Profile returns the stored profile, or nil if none was saved.
func (s *Store) Profile(ctx context.Context) (*model.Profile, error) {
	var profile model.Profile
	ok, err := s.getSecureJSON(ctx, profileKey, &profile)
	if err != nil || !ok {
		return nil, err
	}
	return &profile, nil
}

// SaveVaultDoc stores doc under its own key and records it in the vault index.
func (s *Store) SaveVaultDoc(ctx context.Context, doc model.VaultDoc) error {
	if doc.ID == "" {
		return fmt.Errorf("vault doc id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.putSecureJSON(ctx, vaultKeyPrefix+doc.ID, doc); err != nil {
		return err
	}

	index, err := s.vaultIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range index {
		if id == doc.ID {
			return nil
		}
	}
	return s.putSecureJSON(ctx, vaultIndexKey, append(index, doc.ID))
}

// VaultDoc returns the document with id, or nil if absent.
func (s *Store) VaultDoc(ctx context.Context, id string) (*model.VaultDoc, error) {
	var doc model.VaultDoc
	ok, err := s.getSecureJSON(ctx, vaultKeyPrefix+id, &doc)
	if err != nil || !ok {
		return nil, err
	}
	return &doc, nil
}

// AllVaultDocs reads every indexed document. Index entries whose document is missing are skipped.
func (s *Store) AllVaultDocs(ctx context.Context) ([]model.VaultDoc, error) {
	s.mu.Lock()
	index, err := s.vaultIndex(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	docs := make([]model.VaultDoc, 0, len(index))
	for _, id := range index {
		doc, err := s.VaultDoc(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// DeleteVaultDoc removes a document and its index entry.
func (s *Store) DeleteVaultDoc(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.RemoveSecureItem(ctx, vaultKeyPrefix+id); err != nil {
		return err
	}

	index, err := s.vaultIndex(ctx)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(index))
	for _, docID := range index {
		if docID != id {
			kept = append(kept, docID)
		}
	}
	return s.putSecureJSON(ctx, vaultIndexKey, kept)
}

func (s *Store) vaultIndex(ctx context.Context) ([]string, error) {
	index := []string{}
	if _, err := s.getSecureJSON(ctx, vaultIndexKey, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// SaveSetting stores a JSON-encoded application setting in the plain partition.
func (s *Store) SaveSetting(ctx context.Context, key string, value any) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return s.SetItem(ctx, settingPrefix+key, string(bytes))
}

// Setting decodes a stored setting into dst. The bool reports whether it was present.
func (s *Store) Setting(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.GetItem(ctx, settingPrefix+key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putSecureJSON(ctx context.Context, key string, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetSecureItem(ctx, key, string(bytes))
}

func (s *Store) getSecureJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.GetSecureItem(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
