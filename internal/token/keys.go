package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
)

func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return nil, ErrMissingKey
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_private_key_pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private_key_not_rsa")
	}
	return key, nil
}

func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	if pemData == "" {
		return nil, ErrMissingKey
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_public_key_pem")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public_key_not_rsa")
	}
	return key, nil
}

// KeyID derives a stable identifier from the public key modulus.
func KeyID(publicKey *rsa.PublicKey) (string, error) {
	if publicKey == nil {
		return "", ErrMissingKey
	}
	sum := sha256.Sum256(publicKey.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}
