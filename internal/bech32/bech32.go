// Package bech32 implements the bech32 string format (BIP-173) used by the
// Nostr ecosystem's NIP-19 identifiers, and the Pubkey encode/decode pair the
// gateway uses to translate subdomain labels into 32-byte public keys.
package bech32

import (
	"encoding/hex"
	"errors"
	"strings"
)

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// Decode splits a bech32 string into its human-readable part and raw 5-bit
// data words, verifying and stripping the 6-word checksum.
func Decode(s string) (hrp string, data []byte, err error) {
	if len(s) < 8 {
		return "", nil, errors.New("bech32: string too short")
	}
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return "", nil, errors.New("bech32: mixed case")
	}
	s = strings.ToLower(s)

	pos := strings.LastIndex(s, "1")
	if pos < 1 || pos+7 > len(s) {
		return "", nil, errors.New("bech32: invalid separator position")
	}

	hrp = s[:pos]
	rest := s[pos+1:]

	values := make([]byte, len(rest))
	for i, c := range rest {
		idx := strings.IndexRune(charset, c)
		if idx == -1 {
			return "", nil, errors.New("bech32: invalid character")
		}
		values[i] = byte(idx)
	}

	if len(values) < 6 {
		return "", nil, errors.New("bech32: too short for checksum")
	}
	if !verifyChecksum(hrp, values) {
		return "", nil, errors.New("bech32: invalid checksum")
	}

	return hrp, values[:len(values)-6], nil
}

// Encode assembles a bech32 string from a human-readable part and 5-bit data
// words, appending a freshly computed checksum.
func Encode(hrp string, data []byte) (string, error) {
	checksum := createChecksum(hrp, data)
	combined := append(append([]byte{}, data...), checksum...)

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range combined {
		if int(v) >= len(charset) {
			return "", errors.New("bech32: invalid data word")
		}
		b.WriteByte(charset[v])
	}
	return b.String(), nil
}

// ConvertBits regroups a slice of fromBits-wide words into toBits-wide words,
// used to move between bech32's 5-bit alphabet and 8-bit byte data.
func ConvertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := uint32(0)
	bits := uint(0)
	var ret []byte
	maxv := uint32(1<<toBits) - 1
	maxAcc := uint32(1<<(fromBits+toBits-1)) - 1

	for _, value := range data {
		if uint32(value)>>fromBits != 0 {
			return nil, errors.New("bech32: invalid data range")
		}
		acc = ((acc << fromBits) | uint32(value)) & maxAcc
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("bech32: invalid padding")
	}

	return ret, nil
}

func polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []byte {
	ret := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		ret = append(ret, byte(c)>>5)
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, byte(c)&31)
	}
	return ret
}

func verifyChecksum(hrp string, data []byte) bool {
	return polymod(append(hrpExpand(hrp), data...)) == 1
}

func createChecksum(hrp string, data []byte) []byte {
	values := append(append(hrpExpand(hrp), data...), []byte{0, 0, 0, 0, 0, 0}...)
	mod := polymod(values) ^ 1
	ret := make([]byte, 6)
	for i := range ret {
		ret[i] = byte((mod >> uint(5*(5-i))) & 31)
	}
	return ret
}

// PubkeyHRP is the human-readable part for a Nostr public key identifier.
const PubkeyHRP = "npub"

// EncodePubkey encodes a 32-byte public key as an "npub1..." string.
func EncodePubkey(pubkey [32]byte) (string, error) {
	data, err := ConvertBits(pubkey[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	return Encode(PubkeyHRP, data)
}

// DecodePubkey decodes an "npub1..." string into a 32-byte public key. It
// returns an error for any string that is not valid bech32, does not carry
// the "npub" human-readable part, or does not decode to exactly 32 bytes;
// per the Pubkey invariant, anything else "is not a Pubkey".
func DecodePubkey(s string) (pubkey [32]byte, err error) {
	hrp, data, err := Decode(s)
	if err != nil {
		return pubkey, err
	}
	if hrp != PubkeyHRP {
		return pubkey, errors.New("bech32: unexpected human-readable part for pubkey")
	}
	raw, err := ConvertBits(data, 5, 8, false)
	if err != nil {
		return pubkey, err
	}
	if len(raw) != 32 {
		return pubkey, errors.New("bech32: decoded pubkey is not 32 bytes")
	}
	copy(pubkey[:], raw)
	return pubkey, nil
}

// PubkeyHex is a convenience wrapper returning the lowercase hex form.
func PubkeyHex(pubkey [32]byte) string {
	return hex.EncodeToString(pubkey[:])
}
