package signature

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/test/testutil"
)

const sampleCode = "#!/bin/sh\n# hostwatch:plugin\necho '{\"report\":{\"load\":1}}'\n"

func newVerifier(t *testing.T, primary testutil.KeyPair, account []byte) *Verifier {
	t.Helper()
	dir := t.TempDir()
	if account != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, AccountKeyFileName), account, 0o644))
	}
	v, err := NewVerifier(Config{ConfigDir: dir, PrimaryKey: primary.PublicPEM, Logger: zap.NewNop()})
	require.NoError(t, err)
	return v
}

func signed(t *testing.T, key testutil.KeyPair, code string) plan.Descriptor {
	t.Helper()
	sig, err := Sign(key.PrivatePEM, code)
	require.NoError(t, err)
	return plan.Descriptor{ID: "1", Name: "load", Code: code, Signature: sig}
}

func trustReason(t *testing.T, err error) Reason {
	t.Helper()
	var trustErr *TrustError
	require.True(t, errors.As(err, &trustErr), "expected a TrustError, got %v", err)
	return trustErr.Reason
}

// TestNewVerifier_EmbeddedKey verifies the embedded trust anchor parses
func TestNewVerifier_EmbeddedKey(t *testing.T) {
	v, err := NewVerifier(Config{ConfigDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, v.primary)
	assert.Empty(t, v.AccountKeyFingerprint())
}

// TestCheck_PrimaryKey verifies code signed by the primary key passes
func TestCheck_PrimaryKey(t *testing.T) {
	primary := testutil.GenerateRSAKeyPair(t)
	v := newVerifier(t, primary, nil)

	d := signed(t, primary, sampleCode)
	assert.NoError(t, v.Check(&d))
}

// TestCheck_TrailingWhitespaceIgnored verifies trailing spaces do not break signatures
func TestCheck_TrailingWhitespaceIgnored(t *testing.T) {
	primary := testutil.GenerateRSAKeyPair(t)
	v := newVerifier(t, primary, nil)

	d := signed(t, primary, sampleCode)
	d.Code = "#!/bin/sh   \n# hostwatch:plugin\t\necho '{\"report\":{\"load\":1}}'  \n"
	assert.NoError(t, v.Check(&d))
}

// TestCheck_AccountKey verifies fallback to the account key
func TestCheck_AccountKey(t *testing.T) {
	primary := testutil.GenerateRSAKeyPair(t)
	account := testutil.GenerateRSAKeyPair(t)
	v := newVerifier(t, primary, account.PublicPEM)

	d := signed(t, account, sampleCode)
	assert.NoError(t, v.Check(&d))
	assert.NotEmpty(t, v.AccountKeyFingerprint())
}

// TestCheck_OpenSSHAccountKey verifies OpenSSH-format Ed25519 account keys
func TestCheck_OpenSSHAccountKey(t *testing.T) {
	primary := testutil.GenerateRSAKeyPair(t)
	account := testutil.GenerateEd25519KeyPair(t)
	v := newVerifier(t, primary, account.PublicPEM)

	d := signed(t, account, sampleCode)
	assert.NoError(t, v.Check(&d))
}

// TestCheck_NoSignature verifies unsigned code is rejected with guidance
func TestCheck_NoSignature(t *testing.T) {
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), nil)

	d := plan.Descriptor{Name: "load", Code: sampleCode}
	err := v.Check(&d)
	assert.Equal(t, ReasonMissing, trustReason(t, err))
	assert.Contains(t, err.Error(), "no signature")
	assert.Contains(t, err.Error(), v.AccountKeyPath())
}

// TestCheck_FailsPrimaryWithoutAccountKey verifies the install-the-key message
func TestCheck_FailsPrimaryWithoutAccountKey(t *testing.T) {
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), nil)

	d := signed(t, testutil.GenerateRSAKeyPair(t), sampleCode)
	err := v.Check(&d)
	assert.Equal(t, ReasonNoAccountKey, trustReason(t, err))
	assert.Contains(t, err.Error(), "Please place your account-specific public key at")
}

// TestCheck_FailsBothKeys verifies the both-failed message
func TestCheck_FailsBothKeys(t *testing.T) {
	account := testutil.GenerateRSAKeyPair(t)
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), account.PublicPEM)

	d := signed(t, testutil.GenerateRSAKeyPair(t), sampleCode)
	err := v.Check(&d)
	assert.Equal(t, ReasonBothFailed, trustReason(t, err))
	assert.Contains(t, err.Error(), "both the primary and account public key")
}

// TestCheck_TamperedCode verifies modified code no longer verifies
func TestCheck_TamperedCode(t *testing.T) {
	primary := testutil.GenerateRSAKeyPair(t)
	v := newVerifier(t, primary, nil)

	d := signed(t, primary, sampleCode)
	d.Code += "rm -rf /tmp/x\n"
	assert.Error(t, v.Check(&d))
}

// TestCheck_GarbageSignature verifies malformed signatures fail without panicking
func TestCheck_GarbageSignature(t *testing.T) {
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), nil)

	for _, sig := range []string{"!!!not base64!!!", "AAAA", "   \n  x"} {
		d := plan.Descriptor{Name: "load", Code: sampleCode, Signature: sig}
		assert.NotPanics(t, func() {
			assert.Error(t, v.Check(&d))
		})
	}
}

// TestCheck_LocalPluginTrusted verifies local entries skip verification and lose code
func TestCheck_LocalPluginTrusted(t *testing.T) {
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), nil)

	d := plan.Descriptor{Name: "disk", Filename: "disk.plugin", Code: "server sent this"}
	assert.NoError(t, v.Check(&d))
	assert.Empty(t, d.Code)
}

// TestNewVerifier_InvalidAccountKey verifies a broken account key is ignored
func TestNewVerifier_InvalidAccountKey(t *testing.T) {
	v := newVerifier(t, testutil.GenerateRSAKeyPair(t), []byte("not a key"))
	assert.Nil(t, v.account)
	assert.NotEmpty(t, v.AccountKeyFingerprint(), "fingerprint still tracks the file")
}

// TestNormalizeCode verifies only trailing whitespace is removed
func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "a\n  b\nc", NormalizeCode("a  \n  b\t\nc "))
}
