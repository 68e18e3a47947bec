package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudless/hostwatch/pkg/agent"
	"github.com/cloudless/hostwatch/pkg/signature"
)

// DefaultPrivateKeyName is looked up in the config directory when
// --private-key is not given
const DefaultPrivateKeyName = "hostwatch_rsa"

const signTimeout = 30 * time.Second

// NewSignCommand creates the sign command
func NewSignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign PATH|URL",
		Short: "Sign plugin code with your private key",
		Long: `Signs plugin code so agents holding the matching account public key accept it.

With a file path the base64 signature is printed. With an http(s) URL the code
is downloaded from it and the signature is posted back to the same URL as the
"signature" form field.`,
		Args: cobra.ExactArgs(1),
		RunE: runSign,
	}
	cmd.Flags().String("private-key", "", "Private key file (default: $HOME/.hostwatch/hostwatch_rsa)")
	return cmd
}

func runSign(cmd *cobra.Command, args []string) error {
	target := args[0]
	out := cmd.OutOrStdout()

	keyPath, _ := cmd.Flags().GetString("private-key")
	if keyPath == "" {
		historyPath, err := agent.DefaultHistoryPath()
		if err != nil {
			return err
		}
		keyPath = filepath.Join(filepath.Dir(historyPath), DefaultPrivateKeyName)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("unable to read the private key at %s: %w", keyPath, err)
	}

	client := &http.Client{Timeout: signTimeout}
	remote := isURL(target)

	var code string
	if remote {
		fmt.Fprintln(out, "Fetching code...")
		code, err = fetchCode(client, target)
	} else {
		var raw []byte
		raw, err = os.ReadFile(target)
		code = string(raw)
	}
	if err != nil {
		return fmt.Errorf("unable to read plugin code: %w", err)
	}

	sig, err := signature.Sign(key, code)
	if err != nil {
		return fmt.Errorf("unable to sign code: %w", err)
	}

	if !remote {
		fmt.Fprintln(out, sig)
		return nil
	}

	fmt.Fprintln(out, "Posting signature...")
	resp, err := client.PostForm(target, url.Values{"signature": {sig}})
	if err != nil {
		return fmt.Errorf("unable to post signature: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unable to post signature: server returned %s", resp.Status)
	}
	fmt.Fprintln(out, "...Success!")
	return nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fetchCode(client *http.Client, target string) (string, error) {
	resp, err := client.Get(target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
