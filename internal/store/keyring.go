package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

const encryptionKeyName = "encryption_key"

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// keyring holds the data-encryption key inside a memguard enclave and seals
// values with XChaCha20-Poly1305. The key is opened only for the duration of
// a single seal or open call.
type keyring struct {
	enclave *memguard.Enclave
}

// loadKeyring reads the data key from the plain bucket, generating and
// persisting a new one on first use.
func loadKeyring(ctx context.Context, backend Backend) (*keyring, bool, error) {
	raw, err := backend.Get(ctx, BucketPlain, encryptionKeyName)
	switch {
	case err == nil:
		key, derr := base64.StdEncoding.DecodeString(string(raw))
		if derr != nil {
			return nil, false, fmt.Errorf("decode encryption key: %w", derr)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, false, fmt.Errorf("encryption key has %d bytes, want %d", len(key), chacha20poly1305.KeySize)
		}
		return &keyring{enclave: memguard.NewEnclave(key)}, false, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, false, fmt.Errorf("load encryption key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate encryption key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := backend.Put(ctx, BucketPlain, encryptionKeyName, []byte(encoded)); err != nil {
		memguard.WipeBytes(key)
		return nil, false, fmt.Errorf("persist encryption key: %w", err)
	}

	// NewEnclave wipes key.
	return &keyring{enclave: memguard.NewEnclave(key)}, true, nil
}

// seal encrypts plaintext bound to name. Output layout is nonce || ciphertext.
func (k *keyring) seal(name string, plaintext []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

// open reverses seal. Tampered data or a value sealed under another name fails authentication.
func (k *keyring) open(name string, sealed []byte) ([]byte, error) {
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}
