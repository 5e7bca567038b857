package bech32

import "testing"

func TestPubkeyRoundTrip(t *testing.T) {
	cases := [][32]byte{
		{},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
	}
	for _, pk := range cases {
		s, err := EncodePubkey(pk)
		if err != nil {
			t.Fatalf("EncodePubkey: %v", err)
		}
		got, err := DecodePubkey(s)
		if err != nil {
			t.Fatalf("DecodePubkey(%q): %v", s, err)
		}
		if got != pk {
			t.Fatalf("round trip mismatch: got %x, want %x", got, pk)
		}
	}
}

func TestDecodePubkeyRejectsWrongPrefix(t *testing.T) {
	s, err := Encode("nsec", make([]byte, 52))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := DecodePubkey(s); err == nil {
		t.Fatalf("expected error decoding non-npub prefix as a pubkey")
	}
}

func TestDecodePubkeyRejectsInvalidChecksum(t *testing.T) {
	s, err := EncodePubkey([32]byte{})
	if err != nil {
		t.Fatalf("EncodePubkey: %v", err)
	}
	corrupted := s[:len(s)-1] + flipChar(s[len(s)-1])
	if _, err := DecodePubkey(corrupted); err == nil {
		t.Fatalf("expected error decoding a corrupted checksum")
	}
}

func flipChar(c byte) string {
	for _, r := range charset {
		if byte(r) != c {
			return string(r)
		}
	}
	return "q"
}

func TestDecodeRejectsMixedCase(t *testing.T) {
	if _, _, err := Decode("Npub1invalidMIXEDcase"); err == nil {
		t.Fatalf("expected error for mixed-case input")
	}
}

func TestDecodeRejectsShortString(t *testing.T) {
	if _, _, err := Decode("ab1"); err == nil {
		t.Fatalf("expected error for too-short input")
	}
}
