package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestResolveOptions verifies lookup substitution leaves the input untouched
func TestResolveOptions(t *testing.T) {
	opts := map[string]any{
		"user":     "admin",
		"password": "lookup: db.pass",
		"port":     5432,
		"other":    "lookup:absent",
	}
	resolved := ResolveOptions(opts, map[string]string{"db.pass": "s3cret"}, zap.NewNop())

	assert.Equal(t, "s3cret", resolved["password"])
	assert.Equal(t, "admin", resolved["user"])
	assert.Equal(t, 5432, resolved["port"])
	assert.Equal(t, "lookup:absent", resolved["other"])
	assert.Equal(t, "lookup: db.pass", opts["password"], "input map is not modified")
}

// TestEmbeddedOptions verifies the heredoc block is extracted and parsed
func TestEmbeddedOptions(t *testing.T) {
	code := "#!/bin/sh\nOPTIONS=<<-'EOS'\n  path:\n    default: /var\nEOS\necho done\n"

	opts, err := EmbeddedOptions(code)
	require.NoError(t, err)
	require.Contains(t, opts, "path")
	assert.Equal(t, map[string]any{"default": "/var"}, opts["path"])
}

// TestEmbeddedOptions_Absent verifies code without a block yields nothing
func TestEmbeddedOptions_Absent(t *testing.T) {
	opts, err := EmbeddedOptions("echo hi\n")
	assert.NoError(t, err)
	assert.Nil(t, opts)
}

// TestEmbeddedOptions_Unterminated verifies a missing delimiter is an error
func TestEmbeddedOptions_Unterminated(t *testing.T) {
	_, err := EmbeddedOptions("OPTIONS=<<EOS\na: 1\n")
	assert.Error(t, err)
}
