package fieldsync

import (
	"bytes"
	"testing"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "field-device"})
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	plaintext := []byte(`{"breed":"leghorn","count":24}`)
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("leghorn")) {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled config errored: %v", err)
	}
	if enc != nil {
		t.Fatal("disabled config returned an encryptor")
	}
}

func TestEncryptorStableSalt(t *testing.T) {
	first, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := first.Encrypt([]byte("persisted before restart"))
	if err != nil {
		t.Fatal(err)
	}

	// Same password with the persisted salt decrypts after a restart.
	second, err := NewEncryptor(EncryptionConfig{
		Enabled: true, KeyPassword: "pw", Salt: first.Salt(),
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := second.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt with persisted salt: %v", err)
	}
	if string(got) != "persisted before restart" {
		t.Error("round trip across restart mismatch")
	}
}

func TestEncryptorRejectsTampering(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{
		Enabled: true, Key: bytes.Repeat([]byte("k"), 32),
	})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := enc.Decrypt(sealed); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestEncryptorBadConfig(t *testing.T) {
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Error("no key material accepted")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Error("short key accepted")
	}
}
