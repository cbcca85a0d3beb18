package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// oauthHandshakeServer wires a real (non-mocked) DH/RSA-OAEP handshake
// handler at lstPath, so tests exercising re-derivation on 401 replay
// go through the same math TestDeriveLST_FullRoundTrip exercises rather
// than a canned response.
func oauthHandshakeServer(t *testing.T) (Credentials, http.Handler) {
	t.Helper()
	sigKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	encKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	prependPlain := []byte("client-test-prepend-bytes")
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &encKey.PublicKey, prependPlain, nil)
	if err != nil {
		t.Fatal(err)
	}
	accessTokenSecretB64 := base64.StdEncoding.EncodeToString(ciphertext)

	consumerKey := "client-test-consumer-key"
	prime := testDHPrime()

	mux := http.NewServeMux()
	mux.HandleFunc(lstPath, func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		challengeHex := extractQuotedParam(authHeader, "diffie_hellman_challenge")
		clientChallenge, ok := new(big.Int).SetString(challengeHex, 16)
		if !ok {
			t.Fatalf("server could not parse client challenge %q", challengeHex)
		}

		serverRandom, _ := rand.Int(rand.Reader, new(big.Int).Sub(prime, big.NewInt(3)))
		serverRandom.Add(serverRandom, big.NewInt(2))

		dhResponse := new(big.Int).Exp(dhGenerator, serverRandom, prime)

		sharedSecret := new(big.Int).Exp(clientChallenge, serverRandom, prime)
		sharedSecretBytes := bigIntToSignedMagnitude(sharedSecret)

		lstKey := hmacSHA1(sharedSecretBytes, prependPlain)
		sigMac := hmacSHA1(lstKey, []byte(consumerKey))

		json.NewEncoder(w).Encode(lstResponse{
			DiffieHellmanResponse: hex.EncodeToString(dhResponse.Bytes()),
			LiveSessionTokenSig:   hex.EncodeToString(sigMac),
			LiveSessionTokenExpMs: time.Now().Add(time.Hour).UnixMilli(),
		})
	})

	creds := Credentials{
		ConsumerKey:       consumerKey,
		AccessToken:       "client-test-access-token",
		AccessTokenSecret: accessTokenSecretB64,
		Realm:             "client-test-realm",
		DHPrime:           prime,
		SignatureKey:      sigKey,
		EncryptionKey:     encKey,
	}
	return creds, mux
}

// presetSessionClient builds a Client whose session is already valid,
// so tests that don't care about LST derivation can skip straight to
// exercising do()/attempt()/doOnce().
func presetSessionClient(baseURL string) *Client {
	c := New(Credentials{ConsumerKey: "ck", AccessToken: "at", Realm: "realm"}, baseURL, "U123", 5*time.Second, nil, zap.NewNop())
	c.session = &liveSession{token: []byte("preset-lst"), expiration: time.Now().Add(time.Hour)}
	return c
}

func TestDo_401TriggersReplayAndSucceedsAfterReDerivation(t *testing.T) {
	var businessCalls int32
	creds, oauthHandler := oauthHandshakeServer(t)

	mux := oauthHandler.(*http.ServeMux)
	mux.HandleFunc("/business/ping", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&businessCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Session expired"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(creds, srv.URL, "U123", 5*time.Second, nil, zap.NewNop())
	c.session = &liveSession{token: []byte("stale-lst"), expiration: time.Now().Add(time.Hour)}

	var out map[string]bool
	err := c.do(context.Background(), authedRequest{method: http.MethodGet, path: "/business/ping"}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !out["ok"] {
		t.Fatal("expected ok=true after replay")
	}
	if atomic.LoadInt32(&businessCalls) != 2 {
		t.Fatalf("expected exactly 2 business calls (initial + replay), got %d", businessCalls)
	}
}

func TestDo_401TwiceReturnsAuthError(t *testing.T) {
	creds, oauthHandler := oauthHandshakeServer(t)
	mux := oauthHandler.(*http.ServeMux)
	mux.HandleFunc("/business/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Session expired"}`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(creds, srv.URL, "U123", 5*time.Second, nil, zap.NewNop())
	c.session = &liveSession{token: []byte("stale-lst"), expiration: time.Now().Add(time.Hour)}

	err := c.do(context.Background(), authedRequest{method: http.MethodGet, path: "/business/ping"}, nil)
	if err == nil {
		t.Fatal("expected error when still unauthorized after replay")
	}
	var authErr *errs.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *errs.AuthError, got %T: %v", err, err)
	}
}

func TestDo_TransientStatusRetriesThenSucceeds(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/business/ping", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := presetSessionClient(srv.URL)

	var out map[string]bool
	err := c.do(context.Background(), authedRequest{method: http.MethodGet, path: "/business/ping"}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !out["ok"] {
		t.Fatal("expected eventual success")
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", calls)
	}
}

func TestDo_NonAuthBadRequestSurfacesImmediatelyWithoutRetry(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/business/ping", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad symbol"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := presetSessionClient(srv.URL)

	err := c.do(context.Background(), authedRequest{method: http.MethodGet, path: "/business/ping"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var brokerErr *errs.BrokerError
	if !errors.As(err, &brokerErr) {
		t.Fatalf("expected *errs.BrokerError, got %T: %v", err, err)
	}
	if brokerErr.Status != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", brokerErr.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry on non-auth 4xx, got %d calls", calls)
	}
}
