package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapid/sos-relay/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSQLiteStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Backend: "sqlite", DatabasePath: path, Logger: testLogger()})
	require.NoError(t, err)
	return s
}

// backends runs fn against every backend implementation.
func backends(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := openSQLiteStore(t, filepath.Join(t.TempDir(), "rapid.db"))
		defer s.Close()
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := Open(context.Background(), Options{Backend: "badger", InMemory: true, Logger: testLogger()})
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestPlainItems(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		_, ok, err := s.GetItem(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetItem(ctx, "theme", "dark"))
		v, ok, err := s.GetItem(ctx, "theme")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "dark", v)

		require.NoError(t, s.RemoveItem(ctx, "theme"))
		_, ok, err = s.GetItem(ctx, "theme")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSecureItemRoundTrip(t *testing.T) {
	values := []string{
		"",
		"plain ascii",
		"emoji 🚨 and accents é ñ ü",
		"漢字とかな",
		strings.Repeat("x", 64*1024),
	}

	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		assert.True(t, s.Diagnostics().SecureReady)

		for i, v := range values {
			key := "k" + string(rune('a'+i))
			require.NoError(t, s.SetSecureItem(ctx, key, v))

			got, ok, err := s.GetSecureItem(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, v, got)
		}

		require.NoError(t, s.RemoveSecureItem(ctx, "ka"))
		_, ok, err := s.GetSecureItem(ctx, "ka")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSecureItemSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rapid.db")
	ctx := context.Background()

	s := openSQLiteStore(t, path)
	require.NoError(t, s.SetSecureItem(ctx, "contacts", "Ama Mensah +233200000000"))
	require.NoError(t, s.Close())

	s = openSQLiteStore(t, path)
	defer s.Close()

	got, ok, err := s.GetSecureItem(ctx, "contacts")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Ama Mensah +233200000000", got)
}

func TestSecureValuesAreNotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "rapid.db"))
	defer s.Close()

	secret := "blood type O-negative"
	require.NoError(t, s.SetSecureItem(ctx, "medical", secret))
	require.NoError(t, s.SetSecureItem(ctx, "medical", secret))

	raw, err := s.backend.Get(ctx, BucketSecure, "medical")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret)

	_, err = s.backend.Get(ctx, BucketPlain, fallbackPrefix+"medical")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNonceIsFreshPerWrite(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "rapid.db"))
	defer s.Close()

	require.NoError(t, s.SetSecureItem(ctx, "a", "same"))
	first, err := s.backend.Get(ctx, BucketSecure, "a")
	require.NoError(t, err)

	require.NoError(t, s.SetSecureItem(ctx, "a", "same"))
	second, err := s.backend.Get(ctx, BucketSecure, "a")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTamperedSecureValueIsReportedNotLost(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "rapid.db"))
	defer s.Close()

	require.NoError(t, s.SetSecureItem(ctx, "profile", "{}"))
	sealed, err := s.backend.Get(ctx, BucketSecure, "profile")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF
	require.NoError(t, s.backend.Put(ctx, BucketSecure, "profile", sealed))

	_, _, err = s.GetSecureItem(ctx, "profile")
	assert.ErrorIs(t, err, ErrSecureUnavailable)

	diag := s.Diagnostics()
	assert.NotEmpty(t, diag.LastError)
	assert.False(t, diag.LastErrorAt.IsZero())

	still, err := s.backend.Get(ctx, BucketSecure, "profile")
	require.NoError(t, err)
	assert.Equal(t, sealed, still)
}

func TestValueSealedUnderAnotherKeyFails(t *testing.T) {
	ctx := context.Background()
	s := openSQLiteStore(t, filepath.Join(t.TempDir(), "rapid.db"))
	defer s.Close()

	require.NoError(t, s.SetSecureItem(ctx, "a", "value"))
	sealed, err := s.backend.Get(ctx, BucketSecure, "a")
	require.NoError(t, err)
	require.NoError(t, s.backend.Put(ctx, BucketSecure, "b", sealed))

	_, _, err = s.GetSecureItem(ctx, "b")
	assert.ErrorIs(t, err, ErrSecureUnavailable)
}

func TestCorruptKeyDisablesSecurePartition(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rapid.db")

	backend, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, BucketPlain, encryptionKeyName, []byte("not-base64!")))

	t.Run("strict", func(t *testing.T) {
		s, err := New(ctx, backend, false, testLogger())
		require.NoError(t, err)

		assert.False(t, s.Diagnostics().SecureReady)
		assert.ErrorIs(t, s.SetSecureItem(ctx, "contacts", "[]"), ErrSecureUnavailable)
		_, _, err = s.GetSecureItem(ctx, "contacts")
		assert.ErrorIs(t, err, ErrSecureUnavailable)

		require.NoError(t, s.SetItem(ctx, "plain", "still works"))
	})

	t.Run("plaintext fallback", func(t *testing.T) {
		s, err := New(ctx, backend, true, testLogger())
		require.NoError(t, err)
		defer s.Close()

		assert.True(t, s.Diagnostics().Degraded)
		require.NoError(t, s.SetSecureItem(ctx, "contacts", "[]"))

		got, ok, err := s.GetSecureItem(ctx, "contacts")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "[]", got)

		require.NoError(t, s.RemoveSecureItem(ctx, "contacts"))
		_, ok, err = s.GetItem(ctx, fallbackPrefix+"contacts")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSOSQueue(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		queue, err := s.SOSQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, queue)

		now := time.Now().UTC()
		a1 := model.Alert{ID: "a1", Message: "help", Timestamp: now, Status: model.StatusPending}
		a2 := model.Alert{ID: "a2", Message: "again", Timestamp: now.Add(time.Second), Status: model.StatusPending}

		require.NoError(t, s.QueueSOSMessage(ctx, a1))
		require.NoError(t, s.QueueSOSMessage(ctx, a2))

		a1.RetryCount = 1
		require.NoError(t, s.QueueSOSMessage(ctx, a1))

		queue, err = s.SOSQueue(ctx)
		require.NoError(t, err)
		require.Len(t, queue, 2)
		assert.Equal(t, "a1", queue[0].ID)
		assert.Equal(t, 1, queue[0].RetryCount)
		assert.Equal(t, "a2", queue[1].ID)

		a2.RetryCount = 3
		a2.Status = model.StatusFailed
		require.NoError(t, s.UpdateQueuedAlert(ctx, a2))
		assert.ErrorIs(t, s.UpdateQueuedAlert(ctx, model.Alert{ID: "ghost"}), ErrNotFound)

		require.NoError(t, s.RemoveFromSOSQueue(ctx, "a1"))
		require.NoError(t, s.RemoveFromSOSQueue(ctx, "a1"))

		queue, err = s.SOSQueue(ctx)
		require.NoError(t, err)
		require.Len(t, queue, 1)
		assert.Equal(t, model.StatusFailed, queue[0].Status)
		assert.Equal(t, 3, queue[0].RetryCount)
	})
}

func TestContactsAndProfile(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		contacts, err := s.Contacts(ctx)
		require.NoError(t, err)
		assert.Empty(t, contacts)

		profile, err := s.Profile(ctx)
		require.NoError(t, err)
		assert.Nil(t, profile)

		want := []model.Contact{
			{ID: "c1", Name: "Kofi", PhoneNumber: "+233200000001", Relationship: model.RelationFamily, IsPrimary: true},
			{ID: "c2", Name: "Esi", PhoneNumber: "+233200000002", Relationship: model.RelationFriend},
		}
		require.NoError(t, s.SaveContacts(ctx, want))
		require.NoError(t, s.SaveProfile(ctx, model.Profile{ID: "me", Name: "Ama", Preferences: model.Preferences{SOSTimeout: 5}}))

		contacts, err = s.Contacts(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, contacts)

		profile, err = s.Profile(ctx)
		require.NoError(t, err)
		require.NotNil(t, profile)
		assert.Equal(t, "Ama", profile.Name)
		assert.Equal(t, 5, profile.Preferences.SOSTimeout)
	})
}

func TestVaultDocs(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		require.Error(t, s.SaveVaultDoc(ctx, model.VaultDoc{}))

		require.NoError(t, s.SaveVaultDoc(ctx, model.VaultDoc{ID: "d1", Title: "Passport", Type: "id"}))
		require.NoError(t, s.SaveVaultDoc(ctx, model.VaultDoc{ID: "d2", Title: "Insurance", Type: "insurance"}))
		require.NoError(t, s.SaveVaultDoc(ctx, model.VaultDoc{ID: "d1", Title: "Passport (renewed)", Type: "id"}))

		docs, err := s.AllVaultDocs(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "Passport (renewed)", docs[0].Title)
		assert.Equal(t, "Insurance", docs[1].Title)

		require.NoError(t, s.DeleteVaultDoc(ctx, "d1"))

		doc, err := s.VaultDoc(ctx, "d1")
		require.NoError(t, err)
		assert.Nil(t, doc)

		docs, err = s.AllVaultDocs(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "d2", docs[0].ID)

		// the index lives in the secure partition, not among plain keys
		plainKeys, err := s.backend.Keys(ctx, BucketPlain, "vault")
		require.NoError(t, err)
		assert.Empty(t, plainKeys)
	})
}

func TestSettings(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()

		var enabled bool
		ok, err := s.Setting(ctx, "shake_to_sos", &enabled)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SaveSetting(ctx, "shake_to_sos", true))
		ok, err = s.Setting(ctx, "shake_to_sos", &enabled)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, enabled)
	})
}

func TestBackendKeysAndUsage(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		b := s.backend

		require.NoError(t, b.Put(ctx, BucketPlain, "setting_a", []byte("1")))
		require.NoError(t, b.Put(ctx, BucketPlain, "setting_b", []byte("2")))
		require.NoError(t, b.Put(ctx, BucketPlain, "other", []byte("3")))

		keys, err := b.Keys(ctx, BucketPlain, "setting_")
		require.NoError(t, err)
		assert.Equal(t, []string{"setting_a", "setting_b"}, keys)

		before, err := s.Usage(ctx)
		require.NoError(t, err)
		require.NoError(t, s.SetSecureItem(ctx, "token", "s3cret"))
		require.NoError(t, b.Delete(ctx, BucketPlain, "other"))

		after, err := s.Usage(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.PlainKeys-1, after.PlainKeys)
		assert.Equal(t, before.SecureKeys+1, after.SecureKeys)
	})
}
