// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/modbot/modbot/internal/serverbase"
	"github.com/modbot/modbot/internal/testutil"
)

// fakeConsole echoes "ran <line>" and fails lines starting with "fail".
type fakeConsole struct {
	mu    sync.Mutex
	lines []string
}

func (c *fakeConsole) ExecuteTo(_ context.Context, line string, w io.Writer) error {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()

	if strings.HasPrefix(line, "fail") {
		return errors.New("boom")
	}
	_, err := fmt.Fprintf(w, "ran %s\n", line)
	return err
}

func (c *fakeConsole) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := c.ExecuteTo(ctx, sc.Text(), out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func (c *fakeConsole) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func newSigner(t *testing.T) gossh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func writeAuthorizedKeys(t *testing.T, dir string, signers ...gossh.Signer) string {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("# operators\n\n")
	for _, s := range signers {
		buf.Write(gossh.MarshalAuthorizedKey(s.PublicKey()))
	}
	path := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startServer runs a console authorized for the returned signer.
func startServer(t *testing.T) (*Server, *fakeConsole, gossh.Signer) {
	t.Helper()

	dir := t.TempDir()
	signer := newSigner(t)
	c := &fakeConsole{}
	s := New(Config{
		Listen:             "127.0.0.1:0",
		HostKeyPath:        filepath.Join(dir, "keys", "ssh_host_ed25519"),
		AuthorizedKeysPath: writeAuthorizedKeys(t, dir, signer),
		ShutdownTimeout:    time.Second,
	}, c)
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { testutil.MustStop(t, s) })
	return s, c, signer
}

func dial(t *testing.T, s *Server, signer gossh.Signer) (*gossh.Client, error) {
	t.Helper()

	return gossh.Dial("tcp", s.Addr(), &gossh.ClientConfig{
		User:            "operator",
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func newSession(t *testing.T, s *Server, signer gossh.Signer) *gossh.Session {
	t.Helper()

	client, err := dial(t, s, signer)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession() = %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestExecRunsOneLine(t *testing.T) {
	t.Parallel()

	s, c, signer := startServer(t)
	sess := newSession(t, s, signer)

	out, err := sess.Output(`module enable "Greeter"`)
	if err != nil {
		t.Fatalf("Output() = %v", err)
	}
	if got := string(out); got != "ran module enable \"Greeter\"\n" {
		t.Errorf("output = %q", got)
	}
	if seen := c.seen(); len(seen) != 1 || seen[0] != `module enable "Greeter"` {
		t.Errorf("console saw %q, want the raw command line", seen)
	}
}

func TestExecFailureExitsNonZero(t *testing.T) {
	t.Parallel()

	s, _, signer := startServer(t)
	sess := newSession(t, s, signer)

	var stderr bytes.Buffer
	sess.Stderr = &stderr
	err := sess.Run("fail now")

	var exitErr *gossh.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitStatus() != 1 {
		t.Fatalf("Run() = %v, want exit status 1", err)
	}
	if !strings.Contains(stderr.String(), "error: boom") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestShellWithoutPtyServesLines(t *testing.T) {
	t.Parallel()

	s, c, signer := startServer(t)
	sess := newSession(t, s, signer)

	sess.Stdin = strings.NewReader("modules\nfail please\n")
	var stdout bytes.Buffer
	sess.Stdout = &stdout
	if err := sess.Shell(); err != nil {
		t.Fatalf("Shell() = %v", err)
	}
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}

	out := stdout.String()
	for _, want := range []string{"ran modules", "error: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if len(c.seen()) != 2 {
		t.Errorf("console saw %q", c.seen())
	}
}

func TestShellWithPtyEditsLines(t *testing.T) {
	t.Parallel()

	s, c, signer := startServer(t)
	sess := newSession(t, s, signer)

	if err := sess.RequestPty("xterm", 24, 80, gossh.TerminalModes{}); err != nil {
		t.Fatalf("RequestPty() = %v", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	sess.Stdout = &stdout
	if err := sess.Shell(); err != nil {
		t.Fatalf("Shell() = %v", err)
	}

	if _, err := io.WriteString(stdin, "modules\rexit\r"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after exit")
	}

	if seen := c.seen(); len(seen) != 1 || seen[0] != "modules" {
		t.Errorf("console saw %q, want [modules]", seen)
	}
	if !strings.Contains(stdout.String(), "ran modules") {
		t.Errorf("output = %q", stdout.String())
	}
}

func TestRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	s, c, _ := startServer(t)
	if client, err := dial(t, s, newSigner(t)); err == nil {
		_ = client.Close()
		t.Fatal("dial with an unlisted key succeeded")
	}
	if len(c.seen()) != 0 {
		t.Errorf("console ran %q for a rejected client", c.seen())
	}
}

func TestHostKeyIsGenerated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hostKey := filepath.Join(dir, "state", "ssh_host_ed25519")
	s := New(Config{
		Listen:             "127.0.0.1:0",
		HostKeyPath:        hostKey,
		AuthorizedKeysPath: writeAuthorizedKeys(t, dir, newSigner(t)),
	}, &fakeConsole{})
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer testutil.MustStop(t, s)

	if _, err := os.Stat(hostKey); err != nil {
		t.Errorf("host key not written: %v", err)
	}
}

func TestStartFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	commentsOnly := filepath.Join(dir, "empty_keys")
	if err := os.WriteFile(commentsOnly, []byte("# nobody yet\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	garbage := filepath.Join(dir, "garbage_keys")
	if err := os.WriteFile(garbage, []byte("ssh-ed25519 not-base64\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"missing fields", Config{Listen: "127.0.0.1:0"}, ErrInvalidSSHConfig},
		{"no keys", Config{
			Listen:             "127.0.0.1:0",
			HostKeyPath:        filepath.Join(dir, "host"),
			AuthorizedKeysPath: commentsOnly,
		}, ErrNoAuthorizedKeys},
		{"unreadable keys", Config{
			Listen:             "127.0.0.1:0",
			HostKeyPath:        filepath.Join(dir, "host"),
			AuthorizedKeysPath: filepath.Join(dir, "absent"),
		}, os.ErrNotExist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := New(tt.cfg, &fakeConsole{})
			err := s.Start(t.Context())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() = %v, want %v", err, tt.wantErr)
			}
			if s.State() != serverbase.StateFailed {
				t.Errorf("state = %s, want failed", s.State())
			}
		})
	}

	t.Run("malformed key", func(t *testing.T) {
		t.Parallel()

		s := New(Config{
			Listen:             "127.0.0.1:0",
			HostKeyPath:        filepath.Join(dir, "host"),
			AuthorizedKeysPath: garbage,
		}, &fakeConsole{})
		err := s.Start(t.Context())
		if err == nil || !strings.Contains(err.Error(), "garbage_keys:1") {
			t.Errorf("Start() = %v, want the offending line", err)
		}
	})
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _, _ := startServer(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}
	if s.State() != serverbase.StateStopped {
		t.Errorf("state = %s", s.State())
	}
	if err := s.Start(t.Context()); !errors.Is(err, serverbase.ErrInvalidState) {
		t.Errorf("Start() after Stop = %v, want ErrInvalidState", err)
	}
}
