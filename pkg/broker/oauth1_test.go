package broker

import (
	"encoding/hex"
	"math/big"
	"net/url"
	"strings"
	"testing"
)

func TestBigIntToSignedMagnitude_TopBitSet(t *testing.T) {
	// 0xFF has its top bit set; the encoding must prepend a 0x00 byte
	// so the value reads back as positive (§9 DH-response byte
	// serialization note — this is the load-bearing test vector).
	n := big.NewInt(0xFF)
	got := bigIntToSignedMagnitude(n)
	want := []byte{0x00, 0xFF}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("bigIntToSignedMagnitude(0xFF) = %x, want %x", got, want)
	}
}

func TestBigIntToSignedMagnitude_TopBitClear(t *testing.T) {
	n := big.NewInt(0x7F)
	got := bigIntToSignedMagnitude(n)
	want := []byte{0x7F}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("bigIntToSignedMagnitude(0x7F) = %x, want %x", got, want)
	}
}

func TestBigIntToSignedMagnitude_Zero(t *testing.T) {
	got := bigIntToSignedMagnitude(big.NewInt(0))
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("bigIntToSignedMagnitude(0) = %x, want [0]", got)
	}
}

func TestPctEncode(t *testing.T) {
	cases := map[string]string{
		"hello":       "hello",
		"a b":         "a%20b",
		"a+b":         "a%2Bb",
		"café":        "caf%C3%A9",
		"A-Z_a-z.0-9": "A-Z_a-z.0-9",
	}
	for in, want := range cases {
		if got := pctEncode(in); got != want {
			t.Errorf("pctEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignatureBaseString_IncludesQueryParams(t *testing.T) {
	oauth := oauthParams{
		"oauth_consumer_key": "ck",
		"oauth_nonce":        "abc123",
	}
	query := url.Values{"symbol": {"AAPL"}}

	base := signatureBaseString("GET", "https://api.ibkr.com/v1/api/iserver/secdef/search", oauth, query)

	if !strings.HasPrefix(base, "GET&") {
		t.Fatalf("base string should start with method: %s", base)
	}
	if !strings.Contains(base, "symbol") {
		t.Fatalf("base string should fold in query params: %s", base)
	}
}

func TestSignatureBaseString_Deterministic(t *testing.T) {
	oauth := oauthParams{"oauth_nonce": "n", "oauth_consumer_key": "ck"}
	a := signatureBaseString("POST", "https://x/y", oauth, nil)
	b := signatureBaseString("POST", "https://x/y", oauth, nil)
	if a != b {
		t.Fatalf("signature base string must be deterministic for identical inputs")
	}
}

func TestAuthorizationHeader_SortedAndQuoted(t *testing.T) {
	h := authorizationHeader("realm1", map[string]string{
		"oauth_token":     "tok",
		"oauth_consumer_key": "ck",
	})
	if !strings.HasPrefix(h, `OAuth realm="realm1"`) {
		t.Fatalf("header must lead with realm: %s", h)
	}
	// oauth_consumer_key sorts before oauth_token
	ckIdx := strings.Index(h, "oauth_consumer_key")
	tokIdx := strings.Index(h, "oauth_token")
	if ckIdx == -1 || tokIdx == -1 || ckIdx > tokIdx {
		t.Fatalf("expected sorted params in header: %s", h)
	}
}

func TestVerifyLSTSignature(t *testing.T) {
	key := []byte("shared-secret-key")
	consumerKey := "my-consumer-key"

	mac := hmacSHA1(key, []byte(consumerKey))
	hexSig := hex.EncodeToString(mac)

	if !verifyLSTSignature(key, consumerKey, hexSig) {
		t.Fatal("expected signature to verify")
	}
	if verifyLSTSignature(key, consumerKey, "deadbeef") {
		t.Fatal("expected mismatched signature to fail verification")
	}
}
