package fieldsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures at-rest encryption of cached payloads. Cached
// remote data may contain personal records, so devices that can be lost or
// shared encrypt the cache.
type EncryptionConfig struct {
	// Enabled turns on encryption for cache payloads
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `json:"-" yaml:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `json:"-" yaml:"key_password"`
	// Salt pins the key derivation so payloads written before a restart stay
	// readable. Required with KeyPassword once data exists.
	Salt []byte `json:"-" yaml:"-"`
}

// Encryptor provides AES-GCM encryption for cache payloads.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates an encryptor from a key or password. Returns (nil, nil)
// when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	var salt []byte

	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		salt = cfg.Salt
		if len(salt) == 0 {
			salt = make([]byte, encryptionSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
		} else if len(salt) != encryptionSaltSize {
			return nil, errors.New("invalid salt size")
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt encrypts plaintext and returns ciphertext with prepended nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext (with prepended nonce) and returns plaintext.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < encryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:encryptionNonceSize]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext[encryptionNonceSize:], nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
