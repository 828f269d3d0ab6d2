package cryptography

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMnemonicRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	phrase := EncodeMnemonic(key)
	require.NotEmpty(t, phrase)

	got, err := DecodeMnemonic(phrase, len(key))
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestDecodeMnemonicRejectsUnknownWord(t *testing.T) {
	_, err := DecodeMnemonic("word0000 not-a-real-word word0002", 32)
	require.Error(t, err)
}

func TestDecodeMnemonicRejectsWrongLength(t *testing.T) {
	phrase := EncodeMnemonic(make([]byte, 32))
	_, err := DecodeMnemonic(phrase, 16)
	require.Error(t, err)
}

func TestAppendVerifyChecksumRoundTrip(t *testing.T) {
	payload := []byte("arbitrary account string payload")
	withSum := AppendChecksum(payload)
	require.Len(t, withSum, len(payload)+4)

	got, err := VerifyChecksum(withSum)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestVerifyChecksumRejectsTamperedPayload(t *testing.T) {
	withSum := AppendChecksum([]byte("original"))
	withSum[0] ^= 0xff
	_, err := VerifyChecksum(withSum)
	require.Error(t, err)
}

func TestVerifyChecksumRejectsShortInput(t *testing.T) {
	_, err := VerifyChecksum([]byte{1, 2, 3})
	require.Error(t, err)
}
