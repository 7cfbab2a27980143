// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/ssh"
	gossh "golang.org/x/crypto/ssh"
)

// ErrNoAuthorizedKeys is returned by Start when the authorized_keys file
// holds no key.
var ErrNoAuthorizedKeys = errors.New("no authorized keys")

// keyring is the parsed authorized_keys file. It is read once at Start.
type keyring struct {
	keys []ssh.PublicKey
}

// loadKeyring parses an OpenSSH authorized_keys file. Blank lines and
// comments are skipped; options before the key type are accepted and ignored.
func loadKeyring(path string) (*keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}

	kr := &keyring{}
	n := 0
	for line := range strings.Lines(string(data)) {
		n++
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		kr.keys = append(kr.keys, key)
	}
	if len(kr.keys) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoAuthorizedKeys, path)
	}
	return kr, nil
}

func (k *keyring) len() int { return len(k.keys) }

func (k *keyring) allows(key ssh.PublicKey) bool {
	for _, allowed := range k.keys {
		if ssh.KeysEqual(allowed, key) {
			return true
		}
	}
	return false
}

// authorize is the public key handler. Passwords and keyboard-interactive
// auth are never offered.
func (s *Server) authorize(ctx ssh.Context, key ssh.PublicKey) bool {
	if s.keys.allows(key) {
		return true
	}
	s.logger.Warn("rejected ssh key",
		"user", ctx.User(),
		"remote", ctx.RemoteAddr().String(),
		"fingerprint", gossh.FingerprintSHA256(key))
	return false
}
