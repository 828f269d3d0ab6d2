package cryptography

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	f := func(plaintext []byte) bool {
		ct, err := Encrypt(key, plaintext)
		if err != nil {
			t.Error(err)
			return false
		}
		pt, err := Decrypt(key, ct)
		if err != nil {
			t.Error(err)
			return false
		}
		return bytes.Equal(pt, plaintext)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	ct, err := Encrypt(key, []byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff
	_, err = Decrypt(key, ct)
	require.ErrorIs(t, err, ErrAuth)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, err := NewKey()
	require.NoError(t, err)
	key2, err := NewKey()
	require.NoError(t, err)
	ct, err := Encrypt(key1, []byte("hello"))
	require.NoError(t, err)
	_, err = Decrypt(key2, ct)
	require.ErrorIs(t, err, ErrAuth)
}

func TestEncryptNameRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	for _, name := range []string{"a", "hello.md", "notes/sibling-check-not-used-here"} {
		en, err := EncryptName(key, name)
		require.NoError(t, err)
		got, err := DecryptName(key, en.Ciphertext)
		require.NoError(t, err)
		require.Equal(t, name, got)
	}
}

func TestHMACNameDeterministic(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	a := HMACName(key, []byte("hello.md"))
	b := HMACName(key, []byte("hello.md"))
	require.Equal(t, a, b)
	c := HMACName(key, []byte("other.md"))
	require.NotEqual(t, a, c)
}

func TestECDHDeriveKEKSymmetric(t *testing.T) {
	alice, err := NewECDHKeyPair()
	require.NoError(t, err)
	bob, err := NewECDHKeyPair()
	require.NoError(t, err)

	k1, err := DeriveKEK(alice.Private, bob.Public)
	require.NoError(t, err)
	k2, err := DeriveKEK(bob.Private, alice.Public)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
}

func TestSignVerify(t *testing.T) {
	kp, err := NewSigningKeyPair()
	require.NoError(t, err)
	msg := []byte("request body")
	sig := kp.Sign(msg)
	require.NoError(t, Verify(kp.Public, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	require.ErrorIs(t, Verify(kp.Public, tampered, sig), ErrBadSignature)
}
