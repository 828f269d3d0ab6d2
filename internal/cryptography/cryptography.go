// Package cryptography provides the deterministic, auditable primitives
// the rest of the core treats as black boxes: symmetric AEAD for names and
// document content, filename HMACs, ECDH-derived key-encryption keys for
// sharing, and request/record signing.
//
// AES-256-GCM runs under a key-per-file rather than a single global
// cipher key, because every file in the lockbook tree has its own
// symmetric key wrapped by its parent's.
package cryptography

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const (
	// KeySize is the size, in bytes, of a symmetric file key (AES-256).
	KeySize = 32
	// NonceSize is the size, in bytes, of the AEAD nonce.
	NonceSize = 12
	// TagSize is the size, in bytes, of the AEAD authentication tag.
	TagSize = 16
)

var ErrAuth = fmt.Errorf("cryptography: decryption auth failed")

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/cryptography."+method+": "+format, a...)
}

// NewKey generates a fresh random 256-bit symmetric key, used as a new
// file's folder_access_key plaintext.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errorf("NewKey", "read random bytes: %v", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errorf("newAEAD", "want %d-byte key, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errorf("newAEAD", "new cipher: %v", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key, using a fresh random 96-bit nonce and
// no associated data. The result is framed as nonce(12) || ciphertext ||
// tag(16), per spec.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errorf("Encrypt", "read nonce: %v", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob framed as nonce(12) || ciphertext || tag(16).
// Returns ErrAuth if the ciphertext was tampered with or the key is wrong.
func Decrypt(key, framed []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(framed) < NonceSize+TagSize {
		return nil, ErrAuth
	}
	nonce, ciphertext := framed[:NonceSize], framed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuth
	}
	return plaintext, nil
}

// HMACName computes a 32-byte keyed hash of a plaintext filename, enabling
// sibling name-collision checks without decrypting names.
func HMACName(key, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// DocumentHMAC computes the content-address / change-detection hash of a
// document's plaintext.
func DocumentHMAC(key, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(plaintext)
	return mac.Sum(nil)
}

// EncryptedName bundles an encrypted name with the HMAC of its
// plaintext, always produced together so the two never drift apart.
type EncryptedName struct {
	Ciphertext []byte
	HMAC       []byte
}

// EncryptName encrypts a plaintext name under key and computes its HMAC in
// the same call, so callers can never persist one without the other.
func EncryptName(key []byte, name string) (EncryptedName, error) {
	ct, err := Encrypt(key, []byte(name))
	if err != nil {
		return EncryptedName{}, err
	}
	return EncryptedName{Ciphertext: ct, HMAC: HMACName(key, []byte(name))}, nil
}

// DecryptName recovers the plaintext name from an encrypted name under key.
func DecryptName(key []byte, ciphertext []byte) (string, error) {
	pt, err := Decrypt(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ECDHKeyPair is an account's long-lived X25519 key pair, used to derive
// key-encryption keys when sharing files.
type ECDHKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// NewECDHKeyPair generates a fresh X25519 key pair.
func NewECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errorf("NewECDHKeyPair", "generate: %v", err)
	}
	return &ECDHKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// DeriveKEK computes a 256-bit key-encryption key from an ECDH shared
// secret between myPrivate and theirPublic, via X25519 followed by
// SHA-256 (used as the KDF).
func DeriveKEK(myPrivate *ecdh.PrivateKey, theirPublic *ecdh.PublicKey) ([]byte, error) {
	shared, err := myPrivate.ECDH(theirPublic)
	if err != nil {
		return nil, errorf("DeriveKEK", "ecdh: %v", err)
	}
	sum := sha256.Sum256(shared)
	return sum[:], nil
}

// ParseECDHPublicKey decodes a wire-format X25519 public key.
func ParseECDHPublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(b)
	if err != nil {
		return nil, errorf("ParseECDHPublicKey", "%v", err)
	}
	return pub, nil
}

// SigningKeyPair is an account's long-lived Ed25519 key pair, used to sign
// server requests and (optionally) file records.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// NewSigningKeyPair generates a fresh Ed25519 signing key pair.
func NewSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errorf("NewSigningKeyPair", "generate: %v", err)
	}
	return &SigningKeyPair{Private: priv, Public: pub}, nil
}

// Sign signs an arbitrary message with the account's long-term key.
func (kp *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

var ErrBadSignature = fmt.Errorf("cryptography: bad signature")

// Verify checks a signature against a public key. Returns ErrBadSignature
// on mismatch, never a generic error, so callers can classify it directly.
func Verify(public ed25519.PublicKey, message, signature []byte) error {
	if len(public) != ed25519.PublicKeySize {
		return errorf("Verify", "bad public key length: got %d, want %d", len(public), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(public, message, signature) {
		return ErrBadSignature
	}
	return nil
}

// SHA256 hashes b, used wherever plain (non-HMAC) SHA-256 is needed,
// e.g. as the basis for mnemonic checksums.
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}
