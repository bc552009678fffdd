// Package admin implements secure, out-of-band secret provisioning: an
// ephemeral X25519/ChaCha20-Poly1305 encrypted channel authenticated with an
// Ed25519 admin signature, served over a small HTTP surface and gating
// application startup until secrets arrive.
package admin

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ErrCrypto is returned for every cryptographic failure: malformed base64,
// wrong key lengths, a signature that doesn't verify, or a ciphertext that
// doesn't authenticate. Collapsing these into one sentinel, rather than a
// case per failure mode, avoids leaking which step of the provisioning
// handshake an attacker's malformed request tripped over.
var ErrCrypto = errors.New("admin: cryptographic operation failed")

const (
	x25519KeySize    = 32
	ed25519KeySize   = ed25519.PublicKeySize
	ed25519SigSize   = ed25519.SignatureSize
	chachaNonceSize  = chacha20poly1305.NonceSize
)

// EphemeralKeyPair is a single-use X25519 keypair generated fresh on every
// boot and held only in memory; it never touches disk and is discarded the
// moment it is consumed by a successful provision.
type EphemeralKeyPair struct {
	private [x25519KeySize]byte
	public  [x25519KeySize]byte
}

// GenerateEphemeralKeyPair creates a new X25519 keypair.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("%w: generate private key: %v", ErrCrypto, err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive public key: %v", ErrCrypto, err)
	}
	copy(kp.public[:], pub)
	return &kp, nil
}

// PublicKeyBase64 returns the keypair's public key, base64-encoded for the
// wire.
func (kp *EphemeralKeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}

// DiffieHellman computes the shared secret with the admin's X25519 public
// key. The keypair's private key is consumed by this call's caller
// discarding kp afterward; EphemeralKeyPair carries no single-use
// enforcement of its own, since that is the provisioning [Handler]'s job (it
// takes the keypair out of its slot exactly once per boot).
func (kp *EphemeralKeyPair) DiffieHellman(theirPublic []byte) ([]byte, error) {
	if len(theirPublic) != x25519KeySize {
		return nil, fmt.Errorf("%w: bad peer public key length", ErrCrypto)
	}
	shared, err := curve25519.X25519(kp.private[:], theirPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrCrypto, err)
	}
	return shared, nil
}

// ParseX25519PublicKey decodes a base64 X25519 public key.
func ParseX25519PublicKey(b64 string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(b) != x25519KeySize {
		return nil, fmt.Errorf("%w: bad public key length", ErrCrypto)
	}
	return b, nil
}

// ParseEd25519PublicKey decodes a base64 Ed25519 verifying key.
func ParseEd25519PublicKey(b64 string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(b) != ed25519KeySize {
		return nil, fmt.Errorf("%w: bad public key length", ErrCrypto)
	}
	return ed25519.PublicKey(b), nil
}

// ParseSignature decodes a base64 Ed25519 signature.
func ParseSignature(b64 string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(b) != ed25519SigSize {
		return nil, fmt.Errorf("%w: bad signature length", ErrCrypto)
	}
	return b, nil
}

// BuildSignatureMessage reconstructs the exact byte sequence the admin
// signed: admin_x25519_public || ciphertext || nonce.
func BuildSignatureMessage(adminX25519Public, ciphertext, nonce []byte) []byte {
	msg := make([]byte, 0, len(adminX25519Public)+len(ciphertext)+len(nonce))
	msg = append(msg, adminX25519Public...)
	msg = append(msg, ciphertext...)
	msg = append(msg, nonce...)
	return msg
}

// VerifySignature checks an Ed25519 signature over message.
func VerifySignature(adminPublicKey ed25519.PublicKey, message, signature []byte) error {
	if !ed25519.Verify(adminPublicKey, message, signature) {
		return fmt.Errorf("%w: signature verification failed", ErrCrypto)
	}
	return nil
}

// DecryptPayload authenticates and decrypts a ChaCha20-Poly1305 ciphertext
// under sharedSecret, with nonce and ciphertext given base64-encoded as
// they arrive on the wire.
func DecryptPayload(sharedSecret []byte, nonceB64, ciphertextB64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(nonce) != chachaNonceSize {
		return nil, fmt.Errorf("%w: bad nonce length", ErrCrypto)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	aead, err := chacha20poly1305.New(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: construct cipher: %v", ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// EncryptPayload seals plaintext under sharedSecret with a fresh random
// nonce, returning (nonce, ciphertext) base64-encoded. Used by the admin
// CLI side of the handshake, not by the bot's HTTP handlers, but kept here
// since it is the exact inverse of DecryptPayload and belongs beside it.
func EncryptPayload(sharedSecret, plaintext []byte) (nonceB64, ciphertextB64 string, err error) {
	var nonce [chachaNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", "", fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}

	aead, err := chacha20poly1305.New(sharedSecret)
	if err != nil {
		return "", "", fmt.Errorf("%w: construct cipher: %v", ErrCrypto, err)
	}
	ciphertext := aead.Seal(nil, nonce[:], plaintext, nil)

	return base64.StdEncoding.EncodeToString(nonce[:]), base64.StdEncoding.EncodeToString(ciphertext), nil
}
