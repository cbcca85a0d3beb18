package broker

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// signatureMethod distinguishes the two signing flavors the broker
// API uses: RSA-SHA256 for the LST derivation request itself, and
// HMAC-SHA256 (keyed by the derived LST) for every authenticated call
// after that.
type signatureMethod string

const (
	methodRSASHA256  signatureMethod = "RSA-SHA256"
	methodHMACSHA256 signatureMethod = "HMAC-SHA256"
)

// oauthParams is an unordered bag of OAuth protocol parameters plus any
// request-specific signature-base inputs (e.g. diffie_hellman_challenge).
// Sorting happens at signature-base and header-rendering time, never
// by insertion order.
type oauthParams map[string]string

// nonce returns 16 random hex characters.
func nonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// pctEncode implements RFC 3986 percent-encoding as OAuth1 requires it
// (unreserved: A-Z a-z 0-9 - . _ ~); url.QueryEscape encodes space as
// "+" and is otherwise close but not RFC3986-exact, so this is a
// dedicated encoder rather than reusing net/url's query escaper.
func pctEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// signatureBaseString builds "METHOD&url-encoded-url&url-encoded-sorted-params"
// per OAuth1 §3.4.1, with params sorted lexicographically by key then
// value. queryParams are the actual request query-string parameters,
// which §4.2.2 requires be folded into the signature base alongside
// the oauth_* parameters; JSON request bodies are never included.
func signatureBaseString(method, rawURL string, oauth oauthParams, queryParams url.Values) string {
	all := make(map[string][]string, len(oauth)+len(queryParams))
	for k, v := range oauth {
		all[k] = append(all[k], v)
	}
	for k, vs := range queryParams {
		all[k] = append(all[k], vs...)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(all))
	for _, k := range keys {
		vals := append([]string(nil), all[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, pctEncode(k)+"="+pctEncode(v))
		}
	}
	paramString := strings.Join(pairs, "&")

	return strings.ToUpper(method) + "&" + pctEncode(rawURL) + "&" + pctEncode(paramString)
}

// signRSASHA256 signs base with signingKey, prefixed by a hex
// "prepend" string (the OAEP-decrypted access token secret, used only
// for the LST derivation request per IBKR's protocol).
func signRSASHA256(base string, prepend string, signingKey *rsa.PrivateKey) (string, error) {
	full := prepend + base
	digest := sha256.Sum256([]byte(full))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// signHMACSHA256 signs base using the raw LST bytes as the HMAC key.
func signHMACSHA256(base string, lstKey []byte) string {
	mac := hmac.New(sha256.New, lstKey)
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// authorizationHeader renders the "OAuth ..." header value per §4.2.3:
// sorted keys, double-quoted values, realm first.
func authorizationHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm="`)
	b.WriteString(pctEncode(realm))
	b.WriteString(`"`)
	for _, k := range keys {
		b.WriteString(`, `)
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(pctEncode(params[k]))
		b.WriteString(`"`)
	}
	return b.String()
}

func timestamp(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10)
}

// verifyLSTSignature checks HMAC-SHA1(consumerKey) under the decoded
// LST equals the broker-supplied signature (§4.2.1 step 6).
func verifyLSTSignature(lstKey []byte, consumerKey string, wantHex string) bool {
	mac := hmac.New(sha1.New, lstKey)
	mac.Write([]byte(consumerKey))
	got := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(strings.ToLower(wantHex)))
}
