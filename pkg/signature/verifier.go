// Package signature establishes trust in remotely supplied plugin code.
package signature

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/plan"
)

// AccountKeyFileName is the account public key looked up in the config directory
const AccountKeyFileName = "hostwatch_rsa.pub"

//go:embed keys/code_signing.pub
var primaryKeyPEM []byte

// Reason classifies a trust failure
type Reason string

const (
	ReasonMissing      Reason = "missing"
	ReasonNoAccountKey Reason = "no_account_key"
	ReasonBothFailed   Reason = "both_failed"
)

// TrustError marks a plugin that must not run
type TrustError struct {
	Reason  Reason
	Plugin  string
	Message string
}

func (e *TrustError) Error() string {
	return e.Message
}

// Config holds verifier configuration
type Config struct {
	// ConfigDir is where the account key is looked up
	ConfigDir string
	// PrimaryKey overrides the embedded trust anchor when set
	PrimaryKey []byte
	Logger     *zap.Logger
}

// Verifier checks plugin code against the primary and account keys
type Verifier struct {
	primary            crypto.PublicKey
	account            crypto.PublicKey
	accountPath        string
	accountFingerprint string
	logger             *zap.Logger
}

// NewVerifier loads the trust anchors. A missing account key is not an
// error; an unparseable one is logged and treated as absent.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	primaryData := cfg.PrimaryKey
	if len(primaryData) == 0 {
		primaryData = primaryKeyPEM
	}
	primary, err := ParsePublicKey(primaryData)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary public key: %w", err)
	}

	v := &Verifier{
		primary:     primary,
		accountPath: filepath.Join(cfg.ConfigDir, AccountKeyFileName),
		logger:      cfg.Logger,
	}

	data, err := os.ReadFile(v.accountPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		v.logger.Warn("Could not read account public key", zap.String("path", v.accountPath), zap.Error(err))
	default:
		sum := sha256.Sum256([]byte(strings.TrimSpace(string(data))))
		v.accountFingerprint = hex.EncodeToString(sum[:])

		key, err := ParsePublicKey(data)
		if err != nil {
			v.logger.Warn("Account public key is invalid, ignoring it",
				zap.String("path", v.accountPath),
				zap.Error(err),
			)
		} else {
			v.account = key
			v.logger.Debug("Loaded account public key", zap.String("path", v.accountPath))
		}
	}

	return v, nil
}

// AccountKeyPath returns where the account key is expected
func (v *Verifier) AccountKeyPath() string {
	return v.accountPath
}

// AccountKeyFingerprint identifies the installed account key, empty if none
func (v *Verifier) AccountKeyFingerprint() string {
	return v.accountFingerprint
}

// Check decides whether d may run. Local plugins are trusted and lose any
// code the server sent. On success nil is returned; otherwise a *TrustError.
func (v *Verifier) Check(d *plan.Descriptor) error {
	if d.Filename != "" {
		d.Code = ""
		return nil
	}

	name := d.Name
	if strings.TrimSpace(d.Signature) == "" {
		return &TrustError{
			Reason: ReasonMissing,
			Plugin: name,
			Message: fmt.Sprintf("The code for %s has no signature and cannot be verified. "+
				"Sign it with your account private key and install the matching public key at %s.",
				name, v.accountPath),
		}
	}

	code := NormalizeCode(d.Code)
	if verify(v.primary, code, d.Signature) {
		return nil
	}

	if v.account == nil {
		return &TrustError{
			Reason: ReasonNoAccountKey,
			Plugin: name,
			Message: fmt.Sprintf("The code signature for %s failed verification. "+
				"Please place your account-specific public key at %s.", name, v.accountPath),
		}
	}

	if verify(v.account, code, d.Signature) {
		return nil
	}

	return &TrustError{
		Reason: ReasonBothFailed,
		Plugin: name,
		Message: fmt.Sprintf("The code signature for %s failed verification against both the primary and account public key. "+
			"Please ensure the public key installed at %s was generated with the same private key used to sign the plugin.",
			name, v.accountPath),
	}
}

var trailingSpace = regexp.MustCompile(`(?m)[ \t]+$`)

// NormalizeCode strips trailing whitespace from every line
func NormalizeCode(code string) string {
	return trailingSpace.ReplaceAllString(code, "")
}

var whitespace = regexp.MustCompile(`\s+`)

func decodeSignature(sig string) ([]byte, error) {
	sig = whitespace.ReplaceAllString(sig, "")
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(sig, "="))
	}
	return raw, nil
}

// verify never panics; any failure is a failed verification
func verify(key crypto.PublicKey, code, sig string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	raw, err := decodeSignature(sig)
	if err != nil || len(raw) == 0 {
		return false
	}

	switch pub := key.(type) {
	case *rsa.PublicKey:
		sum256 := sha256.Sum256([]byte(code))
		if rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum256[:], raw) == nil {
			return true
		}
		sum1 := sha1.Sum([]byte(code))
		return rsa.VerifyPKCS1v15(pub, crypto.SHA1, sum1[:], raw) == nil
	case ed25519.PublicKey:
		return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, []byte(code), raw)
	default:
		return false
	}
}

// Sign produces the base64 signature the verifier accepts for code
func Sign(privateKey []byte, code string) (string, error) {
	signer, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}

	normalized := []byte(NormalizeCode(code))

	var raw []byte
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		sum := sha256.Sum256(normalized)
		raw, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	case ed25519.PrivateKey:
		raw = ed25519.Sign(key, normalized)
	default:
		err = errUnsupportedKey
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign code: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}
