package admin

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func TestGenerateEphemeralKeyPair(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub, err := base64.StdEncoding.DecodeString(kp.PublicKeyBase64())
	if err != nil {
		t.Fatalf("expected a valid base64 public key: %v", err)
	}
	if len(pub) != x25519KeySize {
		t.Errorf("expected %d byte public key, got %d", x25519KeySize, len(pub))
	}
}

func TestDiffieHellman_MatchesBothSides(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bob, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	aliceShared, err := alice.DiffieHellman(bob.public[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bobShared, err := bob.DiffieHellman(alice.public[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(aliceShared) != string(bobShared) {
		t.Error("expected both sides to derive the same shared secret")
	}
}

func TestDiffieHellman_RejectsBadLength(t *testing.T) {
	kp, _ := GenerateEphemeralKeyPair()
	if _, err := kp.DiffieHellman([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for a malformed peer public key")
	}
}

func TestParseX25519PublicKey(t *testing.T) {
	kp, _ := GenerateEphemeralKeyPair()
	b64 := kp.PublicKeyBase64()

	got, err := ParseX25519PublicKey(b64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != x25519KeySize {
		t.Errorf("expected %d bytes, got %d", x25519KeySize, len(got))
	}

	if _, err := ParseX25519PublicKey("not-base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := ParseX25519PublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for wrong-length key")
	}
}

func TestParseEd25519PublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString(pub)

	got, err := ParseEd25519PublicKey(b64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != ed25519KeySize {
		t.Errorf("expected %d bytes, got %d", ed25519KeySize, len(got))
	}

	if _, err := ParseEd25519PublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for wrong-length key")
	}
}

func TestParseSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(priv, []byte("message"))
	b64 := base64.StdEncoding.EncodeToString(sig)

	got, err := ParseSignature(b64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ed25519.Verify(pub, []byte("message"), got) {
		t.Error("expected parsed signature to verify")
	}

	if _, err := ParseSignature(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for wrong-length signature")
	}
}

func TestBuildSignatureMessage(t *testing.T) {
	pub := []byte("pub")
	ct := []byte("ciphertext")
	nonce := []byte("nonce")

	got := BuildSignatureMessage(pub, ct, nonce)
	want := "pub" + "ciphertext" + "nonce"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, string(got))
	}
}

func TestVerifySignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	msg := []byte("hello")
	sig := ed25519.Sign(priv, msg)

	if err := VerifySignature(pub, msg, sig); err != nil {
		t.Errorf("expected a valid signature to verify, got %v", err)
	}
	if err := VerifySignature(pub, []byte("tampered"), sig); err == nil {
		t.Error("expected verification to fail for a tampered message")
	}
}

func TestEncryptDecryptPayload_RoundTrip(t *testing.T) {
	sharedSecret := make([]byte, 32)
	for i := range sharedSecret {
		sharedSecret[i] = byte(i)
	}
	plaintext := []byte(`{"discord_token":"abc123"}`)

	nonceB64, ciphertextB64, err := EncryptPayload(sharedSecret, plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := DecryptPayload(sharedSecret, nonceB64, ciphertextB64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestDecryptPayload_RejectsTamperedCiphertext(t *testing.T) {
	sharedSecret := make([]byte, 32)
	nonceB64, ciphertextB64, err := EncryptPayload(sharedSecret, []byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ciphertextB64)
	raw[0] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := DecryptPayload(sharedSecret, nonceB64, tampered); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}

func TestDecryptPayload_RejectsBadNonceLength(t *testing.T) {
	sharedSecret := make([]byte, 32)
	_, ciphertextB64, err := EncryptPayload(sharedSecret, []byte("secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shortNonce := base64.StdEncoding.EncodeToString([]byte("short"))

	if _, err := DecryptPayload(sharedSecret, shortNonce, ciphertextB64); err == nil {
		t.Error("expected error for wrong-length nonce")
	}
}
