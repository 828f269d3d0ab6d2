package lockbook

import (
	"encoding/base64"
	"testing"

	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/stretchr/testify/require"
)

func TestAccountStringRoundTrip(t *testing.T) {
	signingSeed := make([]byte, 32)
	ecdhScalar := make([]byte, 32)
	for i := range signingSeed {
		signingSeed[i] = byte(i)
		ecdhScalar[i] = byte(255 - i)
	}

	s, err := encodeAccountString("alice", signingSeed, ecdhScalar)
	require.NoError(t, err)

	username, gotSeed, gotScalar, err := decodeAccountString(s)
	require.NoError(t, err)
	require.Equal(t, "alice", username)
	require.Equal(t, signingSeed, gotSeed)
	require.Equal(t, ecdhScalar, gotScalar)
}

func TestDecodeAccountStringRejectsGarbage(t *testing.T) {
	_, _, _, err := decodeAccountString("not-valid-base64!!!")
	require.True(t, errkind.Is(err, errkind.AccountStringCorrupted))
}

func TestDecodeAccountStringRejectsMalformedPayload(t *testing.T) {
	s, err := encodeAccountString("", make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)
	_, _, _, err = decodeAccountString(s)
	require.True(t, errkind.Is(err, errkind.AccountStringCorrupted))

	s, err = encodeAccountString("bob", make([]byte, 16), make([]byte, 32))
	require.NoError(t, err)
	_, _, _, err = decodeAccountString(s)
	require.True(t, errkind.Is(err, errkind.AccountStringCorrupted))
}

func TestDecodeAccountStringRejectsFlippedBit(t *testing.T) {
	s, err := encodeAccountString("alice", make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(s)
	require.NoError(t, err)
	raw[0] ^= 0xff
	corrupted := base64.RawURLEncoding.EncodeToString(raw)

	_, _, _, err = decodeAccountString(corrupted)
	require.True(t, errkind.Is(err, errkind.AccountStringCorrupted))
}

func TestEncodeRootFileProducesDecodableGob(t *testing.T) {
	id := filetree.NewID()
	f := &filetree.File{ID: id, Parent: id, Type: filetree.Folder}
	encoded, err := encodeRootFile(f)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}
