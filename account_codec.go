package lockbook

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"

	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
)

// accountString is the gob-encoded, base64-rendered payload
// export_account_private_key hands out and import_account consumes: the
// username (import_account takes only a key string and an optional API
// URL, so the username this account registered under has to travel
// inside it, not as a separate argument) plus the signing seed and ECDH
// scalar.
type accountString struct {
	Username   string
	SigningKey []byte
	ECDHKey    []byte
}

func encodeAccountString(username string, signingSeed, ecdhScalar []byte) (string, error) {
	var buf bytes.Buffer
	a := accountString{Username: username, SigningKey: signingSeed, ECDHKey: ecdhScalar}
	if err := gob.NewEncoder(&buf).Encode(&a); err != nil {
		return "", errkind.Wrap(errkind.Unexpected, err, "encode account string")
	}
	return base64.RawURLEncoding.EncodeToString(cryptography.AppendChecksum(buf.Bytes())), nil
}

func decodeAccountString(s string) (username string, signingSeed, ecdhScalar []byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", nil, nil, errkind.Wrap(errkind.AccountStringCorrupted, err, "decode")
	}
	payload, err := cryptography.VerifyChecksum(raw)
	if err != nil {
		return "", nil, nil, errkind.Wrap(errkind.AccountStringCorrupted, err, "checksum")
	}
	var a accountString
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&a); err != nil {
		return "", nil, nil, errkind.Wrap(errkind.AccountStringCorrupted, err, "decode")
	}
	if len(a.SigningKey) != 32 || len(a.ECDHKey) != 32 || a.Username == "" {
		return "", nil, nil, errkind.New(errkind.AccountStringCorrupted, "malformed account string")
	}
	return a.Username, a.SigningKey, a.ECDHKey, nil
}

// encodeRootFile gob-encodes a file record as the opaque payload the
// new_account request carries (§6.2 "new_account"), matching the
// encoding syncservice uses for every other record on the wire.
func encodeRootFile(f *filetree.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "encode root file")
	}
	return buf.Bytes(), nil
}
