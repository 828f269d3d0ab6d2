package cryptography

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// mnemonicWords is a small, fixed word list used to render a private key
// as a human-copyable phrase. It is deliberately not the full BIP-39
// English word list (2048 words): this is a self-contained, auditable
// stand-in built the same way the real list works (a fixed-size word
// table addressed 11 bits at a time) rather than a partial
// reimplementation of the standard.
var mnemonicWords = [2048]string{}

func init() {
	// Deterministically derived placeholder list: word_0000 .. word_2047.
	// A real deployment would swap this for the canonical BIP-39 list;
	// the encoding scheme below is independent of the table's contents.
	for i := range mnemonicWords {
		mnemonicWords[i] = fmt.Sprintf("word%04d", i)
	}
}

// EncodeMnemonic renders key as a sequence of words, 11 bits of key data
// per word, matching the bit-packing BIP-39 uses (without its checksum
// word, since key is not a fixed 128/256-bit entropy source here but an
// arbitrary-length Ed25519 seed).
func EncodeMnemonic(key []byte) string {
	var words []string
	acc := uint32(0)
	bits := 0
	for _, b := range key {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 11 {
			bits -= 11
			idx := (acc >> uint(bits)) & 0x7ff
			words = append(words, mnemonicWords[idx])
		}
	}
	if bits > 0 {
		idx := (acc << uint(11-bits)) & 0x7ff
		words = append(words, mnemonicWords[idx])
	}
	return strings.Join(words, " ")
}

// DecodeMnemonic is the inverse of EncodeMnemonic, given the original key
// length in bytes (the phrase alone does not carry this, just like a raw
// bit-packed encoding does not self-delimit).
func DecodeMnemonic(phrase string, keyLen int) ([]byte, error) {
	index := make(map[string]uint32, len(mnemonicWords))
	for i, w := range mnemonicWords {
		index[w] = uint32(i)
	}
	fields := strings.Fields(strings.TrimSpace(phrase))
	if want := (keyLen*8 + 10) / 11; len(fields) != want {
		return nil, fmt.Errorf("cryptography.DecodeMnemonic: got %d words, want %d for a %d-byte key", len(fields), want, keyLen)
	}
	out := make([]byte, 0, keyLen)
	acc := uint32(0)
	bits := 0
	for _, w := range fields {
		idx, ok := index[w]
		if !ok {
			return nil, fmt.Errorf("cryptography.DecodeMnemonic: unknown word %q", w)
		}
		acc = acc<<11 | idx
		bits += 11
		for bits >= 8 && len(out) < keyLen {
			bits -= 8
			out = append(out, byte(acc>>uint(bits)))
		}
	}
	if len(out) != keyLen {
		return nil, fmt.Errorf("cryptography.DecodeMnemonic: decoded %d bytes, want %d", len(out), keyLen)
	}
	return out, nil
}

// checksum32 is used by account string export/import to detect corrupted
// copy-paste of the private key, distinct from the AEAD tag which only
// protects data that is actually encrypted.
func checksum32(b []byte) uint32 {
	sum := SHA256(b)
	return binary.BigEndian.Uint32(sum[:4])
}

// AppendChecksum appends a 4-byte SHA-256-derived checksum to b.
func AppendChecksum(b []byte) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], checksum32(b))
	return append(append([]byte(nil), b...), buf[:]...)
}

// VerifyChecksum strips and verifies a 4-byte checksum appended by
// AppendChecksum, returning the original payload.
func VerifyChecksum(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("cryptography.VerifyChecksum: input too short")
	}
	payload, sum := b[:len(b)-4], b[len(b)-4:]
	want := checksum32(payload)
	got := binary.BigEndian.Uint32(sum)
	if want != got {
		return nil, fmt.Errorf("cryptography.VerifyChecksum: mismatch")
	}
	return payload, nil
}
