package signature

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var errUnsupportedKey = errors.New("unsupported key type")

// ParsePublicKey accepts PEM (PKIX or PKCS#1) and OpenSSH authorized-key
// encodings of RSA and Ed25519 public keys.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty public key")
	}

	if bytes.HasPrefix(data, []byte("ssh-")) {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse OpenSSH public key: %w", err)
		}
		cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, errUnsupportedKey
		}
		return checkPublicKey(cryptoKey.CryptoPublicKey())
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("public key is neither PEM nor OpenSSH encoded")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
		}
		return checkPublicKey(key)
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
}

func checkPublicKey(key crypto.PublicKey) (crypto.PublicKey, error) {
	switch key.(type) {
	case *rsa.PublicKey, ed25519.PublicKey:
		return key, nil
	default:
		return nil, errUnsupportedKey
	}
}

// ParsePrivateKey accepts PEM PKCS#1, PKCS#8 and OpenSSH private keys
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}

	var raw any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		raw, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		raw, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "OPENSSH PRIVATE KEY":
		raw, err = ssh.ParseRawPrivateKey(data)
	default:
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	switch key := raw.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ed25519.PrivateKey:
		return *key, nil
	default:
		return nil, errUnsupportedKey
	}
}
