package broker

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
)

// LoadCredentials assembles Credentials from the raw config values:
// the DH prime and the two RSA private keys are read from disk and
// parsed here so the rest of the package only ever deals with the
// parsed forms.
func LoadCredentials(consumerKey, accessToken, accessTokenSecret, realm, dhPrimeHex, signatureKeyPath, encryptionKeyPath string) (Credentials, error) {
	prime, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		return Credentials{}, fmt.Errorf("broker: invalid dh_prime_hex")
	}

	sigKey, err := loadRSAPrivateKey(signatureKeyPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("broker: load signature_key_path: %w", err)
	}

	encKey, err := loadRSAPrivateKey(encryptionKeyPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("broker: load encryption_key_path: %w", err)
	}

	return Credentials{
		ConsumerKey:       consumerKey,
		AccessToken:       accessToken,
		AccessTokenSecret: accessTokenSecret,
		Realm:             realm,
		DHPrime:           prime,
		SignatureKey:      sigKey,
		EncryptionKey:     encKey,
	}, nil
}

// loadRSAPrivateKey reads a PEM-encoded RSA private key, accepting
// both PKCS#1 ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings.
func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA private key", path)
	}
	return key, nil
}
