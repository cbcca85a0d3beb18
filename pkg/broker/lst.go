package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

const lstPath = "/oauth/live_session_token"

var dhGenerator = big.NewInt(2)

// lstResponse is the broker's JSON body from the LST derivation POST.
type lstResponse struct {
	DiffieHellmanResponse string `json:"diffie_hellman_response"`
	LiveSessionTokenSig   string `json:"live_session_token_signature"`
	LiveSessionTokenExpMs int64  `json:"live_session_token_expiration"`
}

// bigIntToSignedMagnitude serializes n as a big-endian two's-complement
// positive integer: if the most significant bit of the minimal
// big-endian encoding is set, a leading 0x00 byte is prepended so the
// value is unambiguously read back as positive. This matches the Java
// BigInteger convention the broker's DH handshake relies on; getting
// this wrong silently breaks HMAC verification (§9 DH-response byte
// serialization note).
func bigIntToSignedMagnitude(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	return b
}

// randomDHSecret picks a random value in [2, prime-2].
func randomDHSecret(prime *big.Int) (*big.Int, error) {
	upper := new(big.Int).Sub(prime, big.NewInt(3)) // range width for [2, prime-2]
	if upper.Sign() <= 0 {
		return nil, fmt.Errorf("dh prime too small")
	}
	r, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return nil, err
	}
	return r.Add(r, big.NewInt(2)), nil
}

// decryptAccessTokenSecret OAEP-decrypts the base64 ciphertext using
// the private encryption key, returning the "prepend" bytes used both
// as the RSA-SHA256 signing prefix and as the HMAC-SHA1 message for
// the LST itself.
func decryptAccessTokenSecret(b64Ciphertext string, key *rsa.PrivateKey) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(b64Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode access_token_secret: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("oaep decrypt: %w", err)
	}
	return plaintext, nil
}

// hmacSHA1 returns HMAC-SHA1(message) keyed by key.
func hmacSHA1(key, message []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// deriveLST runs the full §4.2.1 handshake and returns a fresh,
// verified liveSession. It never retries internally beyond the single
// attempt; the caller decides whether to replay.
func (c *Client) deriveLST(ctx context.Context) (*liveSession, error) {
	dhRandom, err := randomDHSecret(c.creds.DHPrime)
	if err != nil {
		return nil, &errs.AuthError{Op: "dh_random", Err: err}
	}
	dhChallenge := new(big.Int).Exp(dhGenerator, dhRandom, c.creds.DHPrime)
	dhChallengeHex := hex.EncodeToString(dhChallenge.Bytes())

	prependBytes, err := decryptAccessTokenSecret(c.creds.AccessTokenSecret, c.creds.EncryptionKey)
	if err != nil {
		return nil, &errs.AuthError{Op: "decrypt_access_token_secret", Err: err}
	}
	prependHex := hex.EncodeToString(prependBytes)

	n, err := nonce()
	if err != nil {
		return nil, &errs.AuthError{Op: "nonce", Err: err}
	}

	rawURL := c.baseURL + lstPath

	oauth := oauthParams{
		"oauth_consumer_key":       c.creds.ConsumerKey,
		"oauth_nonce":              n,
		"oauth_signature_method":   string(methodRSASHA256),
		"oauth_timestamp":          timestamp(c.now()),
		"oauth_token":              c.creds.AccessToken,
		"diffie_hellman_challenge": dhChallengeHex,
	}

	base := signatureBaseString(http.MethodPost, rawURL, oauth, nil)
	sig, err := signRSASHA256(base, prependHex, c.creds.SignatureKey)
	if err != nil {
		return nil, &errs.AuthError{Op: "sign_lst_request", Err: err}
	}

	headerParams := map[string]string{
		"oauth_consumer_key":       oauth["oauth_consumer_key"],
		"oauth_nonce":              oauth["oauth_nonce"],
		"oauth_signature_method":   oauth["oauth_signature_method"],
		"oauth_timestamp":          oauth["oauth_timestamp"],
		"oauth_token":              oauth["oauth_token"],
		"diffie_hellman_challenge": dhChallengeHex,
		"oauth_signature":          sig,
	}
	authHeader := authorizationHeader(c.creds.Realm, headerParams)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, nil)
	if err != nil {
		return nil, &errs.AuthError{Op: "build_request", Err: err}
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errs.AuthError{Op: "lst_request", Err: err}
	}
	defer resp.Body.Close()

	var body lstResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &errs.AuthError{Op: "decode_lst_response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.AuthError{Op: "lst_request", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	dhResponse, ok := new(big.Int).SetString(body.DiffieHellmanResponse, 16)
	if !ok {
		return nil, &errs.AuthError{Op: "parse_dh_response", Err: fmt.Errorf("invalid hex: %q", body.DiffieHellmanResponse)}
	}

	sharedSecret := new(big.Int).Exp(dhResponse, dhRandom, c.creds.DHPrime)
	sharedSecretBytes := bigIntToSignedMagnitude(sharedSecret)

	mac := hmacSHA1(sharedSecretBytes, prependBytes)
	lstB64 := base64.StdEncoding.EncodeToString(mac)

	lstKey, err := base64.StdEncoding.DecodeString(lstB64)
	if err != nil {
		return nil, &errs.AuthError{Op: "decode_lst", Err: err}
	}

	if !verifyLSTSignature(lstKey, c.creds.ConsumerKey, body.LiveSessionTokenSig) {
		return nil, &errs.AuthError{Op: "verify_lst", Err: fmt.Errorf("hmac-sha1 signature mismatch")}
	}

	return &liveSession{
		token:      lstKey,
		tokenB64:   lstB64,
		expiration: time.UnixMilli(body.LiveSessionTokenExpMs),
	}, nil
}
