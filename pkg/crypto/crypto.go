// pkg/crypto/crypto.go
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Encryptor is the narrow interface the cluster core consumes for its
// configured encryption method and key. Seal prepends whatever it needs
// (e.g. a nonce) to its output; Open must accept exactly that output.
type Encryptor interface {
	Name() string
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

const (
	NameNone   = "nothing"
	NameAESGCM = "aes-gcm"
)

type identity struct{}

func (identity) Name() string                      { return NameNone }
func (identity) Seal(p []byte) ([]byte, error)      { return p, nil }
func (identity) Open(c []byte) ([]byte, error)      { return c, nil }

type aesGCM struct {
	aead cipher.AEAD
}

func (a *aesGCM) Name() string { return NameAESGCM }

func (a *aesGCM) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *aesGCM) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := a.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return a.aead.Open(nil, nonce, sealed, nil)
}

// ByName resolves a cluster configuration's "encryption" method name and key
// to an Encryptor. An empty name is treated as NameNone, in which case key
// is ignored.
//
// No example repo in the reference corpus wires a third-party encryption
// library (golang.org/x/crypto appears only as an indirect dependency of an
// unrelated desktop-UI toolkit, never imported directly), so this is built
// on the standard library's crypto/aes and crypto/cipher, which implement
// the AES-GCM AEAD construction directly.
func ByName(name string, key []byte) (Encryptor, error) {
	switch name {
	case "", NameNone:
		return identity{}, nil
	case NameAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: %w", err)
		}
		return &aesGCM{aead: aead}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown method %q", name)
	}
}
