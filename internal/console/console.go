// SPDX-License-Identifier: MPL-2.0

// Package console is the operator console: a line-oriented cobra command
// tree that modules extend through the Registrar interface.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/shell"

	"github.com/modbot/modbot/internal/router"
)

// ownerAnnotation records the owning module on a registered command.
const ownerAnnotation = "modbot.module"

// Prompt is written before each line read by Run.
const Prompt = "> "

var (
	// ErrDuplicateCommand is returned by Add when the name is taken.
	ErrDuplicateCommand = errors.New("console command already registered")
	// ErrCommandUnavailable is returned by Execute while the owner is gated off.
	ErrCommandUnavailable = errors.New("console command is unavailable")
)

type (
	// Registrar is implemented by modules that add console commands.
	Registrar interface {
		RegisterConsole(c *Console) error
	}

	// Reporter receives panics raised by command code. *router.Router satisfies it.
	Reporter interface {
		Route(ctx context.Context, u router.Uncaught) (string, error)
	}

	// Console holds the command tree. Scope returns views whose Add tags
	// commands with their owning module.
	Console struct {
		shared *shared
		owner  string
	}

	// Option configures a Console.
	Option func(*shared)

	shared struct {
		// exec serializes Execute; mu guards the command tree. Commands may
		// call Add or RemoveOwner while running.
		exec     sync.Mutex
		mu       sync.Mutex
		root     *cobra.Command
		out      io.Writer
		reporter Reporter
		gate     func(owner string) bool
		logger   *slog.Logger
	}
)

// WithOutput sets where command output and errors are written. Defaults to io.Discard.
func WithOutput(w io.Writer) Option {
	return func(s *shared) { s.out = w }
}

// WithReporter sets where command panics are routed.
func WithReporter(r Reporter) Option {
	return func(s *shared) { s.reporter = r }
}

// WithGate sets the predicate that decides whether an owner's commands run.
func WithGate(gate func(owner string) bool) Option {
	return func(s *shared) { s.gate = gate }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *shared) { s.logger = l }
}

// New creates a console with only the built-in help command.
func New(opts ...Option) *Console {
	root := &cobra.Command{
		Use:           "console",
		Short:         "Operator console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	s := &shared{root: root, out: io.Discard, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	root.SetOut(s.out)
	root.SetErr(s.out)
	return &Console{shared: s}
}

// Scope returns a view whose Add tags commands with owner.
func (c *Console) Scope(owner string) *Console {
	return &Console{shared: c.shared, owner: owner}
}

// Out returns the console output writer.
func (c *Console) Out() io.Writer { return c.shared.out }

// Add registers top-level commands.
func (c *Console) Add(cmds ...*cobra.Command) error {
	s := c.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range cmds {
		name := cmd.Name()
		for _, existing := range s.root.Commands() {
			if existing.Name() == name || existing.HasAlias(name) {
				return fmt.Errorf("%w: %s (owned by %q)", ErrDuplicateCommand, name, ownerOf(existing))
			}
		}
		if c.owner != "" {
			if cmd.Annotations == nil {
				cmd.Annotations = map[string]string{}
			}
			cmd.Annotations[ownerAnnotation] = c.owner
		}
		s.root.AddCommand(cmd)
	}
	return nil
}

// RemoveOwner drops every top-level command owned by owner.
func (c *Console) RemoveOwner(owner string) int {
	s := c.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	var drop []*cobra.Command
	for _, cmd := range s.root.Commands() {
		if strings.EqualFold(ownerOf(cmd), owner) {
			drop = append(drop, cmd)
		}
	}
	s.root.RemoveCommand(drop...)
	return len(drop)
}

// Commands returns the names of the registered top-level commands.
func (c *Console) Commands() []string {
	s := c.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for _, cmd := range s.root.Commands() {
		names = append(names, cmd.Name())
	}
	return names
}

// Execute runs one console line. Words are split with POSIX shell rules
// (quotes, escapes, $VAR expansion from the process environment). Blank lines
// are a no-op.
func (c *Console) Execute(ctx context.Context, line string) error {
	return c.ExecuteTo(ctx, line, c.shared.out)
}

// ExecuteTo is Execute with command output and errors written to w.
func (c *Console) ExecuteTo(ctx context.Context, line string, w io.Writer) (err error) {
	args, err := shell.Fields(line, nil)
	if err != nil {
		return fmt.Errorf("parse command line: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	s := c.shared
	s.exec.Lock()
	defer s.exec.Unlock()

	s.mu.Lock()
	target, _, findErr := s.root.Find(args)
	s.mu.Unlock()

	if findErr == nil {
		if owner := ownerOf(target); owner != "" {
			if s.gate != nil && !s.gate(owner) {
				return fmt.Errorf("%w: %s (module %s is not enabled)", ErrCommandUnavailable, args[0], owner)
			}
			ctx = router.WithOrigin(ctx, owner)
		}
		// cobra keeps the first context it sees on a subcommand.
		target.SetContext(ctx)
	}

	s.root.SetOut(w)
	s.root.SetErr(w)
	defer func() {
		s.root.SetOut(s.out)
		s.root.SetErr(s.out)
	}()
	defer resetFlags(s.root)
	defer func() {
		if v := recover(); v != nil {
			u := router.FromPanic(ctx, v)
			s.report(ctx, u)
			err = u.Err
		}
	}()

	s.root.SetArgs(args)
	return s.root.ExecuteContext(ctx)
}

// Run reads lines from in until EOF or ctx is done, executing each and
// writing errors to the console output.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	return c.Serve(ctx, in, c.shared.out)
}

// Serve is Run for one session: prompts, output and errors go to out.
func (c *Console) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, Prompt)
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := c.ExecuteTo(ctx, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func (s *shared) report(ctx context.Context, u router.Uncaught) {
	if s.reporter == nil {
		s.logger.Error("console command panicked", "module", u.Origin, "error", u.Err)
		return
	}
	if _, err := s.reporter.Route(ctx, u); err != nil {
		s.logger.Error("console command panic was not handled", "module", u.Origin, "error", u.Err)
	}
}

// ownerOf returns the module owning cmd or one of its ancestors.
func ownerOf(cmd *cobra.Command) string {
	for ; cmd != nil; cmd = cmd.Parent() {
		if owner := cmd.Annotations[ownerAnnotation]; owner != "" {
			return owner
		}
	}
	return ""
}

// resetFlags restores every flag in the tree to its default, so values do
// not leak from one line into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
