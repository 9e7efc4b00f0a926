package wallet

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 20)
	addr := NewAddress(KooPrefix, raw)

	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(KooPrefix)+"1") {
		t.Fatalf("encoded address %q lacks the koo prefix", encoded)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Prefix() != KooPrefix {
		t.Fatalf("prefix = %q, want %q", decoded.Prefix(), KooPrefix)
	}
	if !bytes.Equal(decoded.Bytes(), raw) {
		t.Fatalf("payload = %x, want %x", decoded.Bytes(), raw)
	}
	if decoded.String() != encoded {
		t.Fatalf("re-encode = %q, want %q", decoded.String(), encoded)
	}
}

func TestNewAddressRejectsWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for short payload")
		}
	}()
	NewAddress(KooPrefix, []byte{0x01, 0x02})
}

func TestDecodeAddressErrors(t *testing.T) {
	valid := NewAddress(KooPrefix, bytes.Repeat([]byte{0x01}, 20)).String()

	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"garbage", "not-an-address"},
		{"corrupt checksum", valid[:len(valid)-1] + "x"},
		{"short payload", mustEncode(t, bytes.Repeat([]byte{0x01}, 10))},
	}
	for _, tc := range cases {
		if _, err := DecodeAddress(tc.in); err == nil {
			t.Errorf("%s: decode accepted %q", tc.name, tc.in)
		}
	}
}

func TestIsValidAddress(t *testing.T) {
	valid := NewAddress(KooPrefix, bytes.Repeat([]byte{0x5A}, 20)).String()

	if !IsValidAddress(valid) {
		t.Fatalf("rejected canonical address %q", valid)
	}
	for _, in := range []string{"", " " + valid, valid + "\n", "koo1zzzz", "x"} {
		if IsValidAddress(in) {
			t.Errorf("accepted %q", in)
		}
	}
}

func TestKeyDerivedAddressIsStable(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	addr := key.PubKey().Address()
	if !IsValidAddress(addr.String()) {
		t.Fatalf("derived address %q fails validation", addr.String())
	}

	restored, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Bytes()))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().Address().String() != addr.String() {
		t.Fatalf("restored key derives a different address")
	}
}

func TestPrivateKeyFromHexRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "0x", "zz", "0x1234"} {
		if _, err := PrivateKeyFromHex(in); err == nil {
			t.Errorf("accepted %q", in)
		}
	}
}

func TestSignRequiresDigest(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Fatalf("accepted a non-32-byte digest")
	}
	sig, err := key.Sign(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
}

// mustEncode produces a well-formed bech32 string whose payload is not the
// canonical 20 bytes, so decoding fails on the length check alone.
func mustEncode(t *testing.T, payload []byte) string {
	t.Helper()
	return Address{prefix: KooPrefix, bytes: payload}.String()
}
