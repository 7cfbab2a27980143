// SPDX-License-Identifier: MPL-2.0

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/modbot/modbot/internal/router"
)

var (
	// ErrUnknownCommand is returned by Dispatch for names nobody registered.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDuplicateCommand is returned by Add when the name is taken.
	ErrDuplicateCommand = errors.New("command already registered")
	// ErrCommandUnavailable is returned by Dispatch while the owner is gated off.
	ErrCommandUnavailable = errors.New("command is unavailable")
	// ErrInvalidCommand is returned by Add for definitions without a name or handler.
	ErrInvalidCommand = errors.New("invalid command")
)

// unavailableReply is sent to users whose command's module is not enabled.
const unavailableReply = "This command is currently unavailable."

type (
	// Handler runs a slash command. ctx carries the owner's origin tag.
	Handler func(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error

	// Command is a registered slash command.
	Command struct {
		Definition *discordgo.ApplicationCommand
		Handler    Handler
		// Owner is the module that registered the command.
		Owner string
	}

	// Reporter receives handler failures. *router.Router satisfies it.
	Reporter interface {
		Route(ctx context.Context, u router.Uncaught) (string, error)
	}

	// CommandRegistrar is implemented by modules that add slash commands.
	CommandRegistrar interface {
		RegisterCommands(c *Commands) error
	}

	// Commands is the slash command registry. Scope returns views that tag
	// added commands with their owning module.
	Commands struct {
		set   *commandSet
		owner string
	}

	// CommandsOption configures a Commands registry.
	CommandsOption func(*commandSet)

	commandSet struct {
		mu       sync.RWMutex
		byName   map[string]*Command
		order    []string
		reporter Reporter
		gate     func(owner string) bool
		logger   *slog.Logger
	}
)

// WithReporter sets where handler failures are routed.
func WithReporter(r Reporter) CommandsOption {
	return func(s *commandSet) { s.reporter = r }
}

// WithGate sets the predicate that decides whether an owner's commands run.
// Without a gate every command runs.
func WithGate(gate func(owner string) bool) CommandsOption {
	return func(s *commandSet) { s.gate = gate }
}

// WithCommandLogger sets the logger. Defaults to slog.Default().
func WithCommandLogger(l *slog.Logger) CommandsOption {
	return func(s *commandSet) { s.logger = l }
}

// NewCommands creates an empty registry.
func NewCommands(opts ...CommandsOption) *Commands {
	set := &commandSet{byName: make(map[string]*Command), logger: slog.Default()}
	for _, opt := range opts {
		opt(set)
	}
	return &Commands{set: set}
}

// Scope returns a view of the registry whose Add tags commands with owner.
func (c *Commands) Scope(owner string) *Commands {
	return &Commands{set: c.set, owner: owner}
}

// Owner returns the module this view registers for, or "" for the root view.
func (c *Commands) Owner() string { return c.owner }

// Add registers a slash command. Names are unique across all owners.
func (c *Commands) Add(def *discordgo.ApplicationCommand, h Handler) error {
	if def == nil || def.Name == "" || h == nil {
		return ErrInvalidCommand
	}

	s := c.set
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(def.Name)
	if existing, ok := s.byName[key]; ok {
		return fmt.Errorf("%w: /%s (owned by %q)", ErrDuplicateCommand, def.Name, existing.Owner)
	}
	s.byName[key] = &Command{Definition: def, Handler: h, Owner: c.owner}
	s.order = append(s.order, key)
	return nil
}

// RemoveOwner drops every command owned by owner and returns how many were removed.
func (c *Commands) RemoveOwner(owner string) int {
	s := c.set
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, key := range s.order {
		if strings.EqualFold(s.byName[key].Owner, owner) {
			delete(s.byName, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	return removed
}

// Get returns the command registered under name.
func (c *Commands) Get(name string) (*Command, bool) {
	c.set.mu.RLock()
	defer c.set.mu.RUnlock()
	cmd, ok := c.set.byName[strings.ToLower(name)]
	return cmd, ok
}

// All returns the registered commands in registration order.
func (c *Commands) All() []*Command {
	c.set.mu.RLock()
	defer c.set.mu.RUnlock()
	out := make([]*Command, 0, len(c.set.order))
	for _, key := range c.set.order {
		out = append(out, c.set.byName[key])
	}
	return out
}

// Definitions returns the application command definitions in registration order.
func (c *Commands) Definitions() []*discordgo.ApplicationCommand {
	all := c.All()
	out := make([]*discordgo.ApplicationCommand, len(all))
	for i, cmd := range all {
		out[i] = cmd.Definition
	}
	return out
}

// Sync overwrites the application's commands with the registry contents.
// An empty guildID registers global commands.
func (c *Commands) Sync(s *discordgo.Session, guildID string) error {
	if s.State == nil || s.State.User == nil {
		return errors.New("discord: session is not ready, cannot sync commands")
	}
	if _, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, c.Definitions()); err != nil {
		return fmt.Errorf("discord: sync slash commands: %w", err)
	}
	return nil
}

// Dispatch runs the handler for an application command interaction. Handler
// errors and panics are routed to the owning module and returned.
func (c *Commands) Dispatch(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) (err error) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return fmt.Errorf("%w: not an application command", ErrUnknownCommand)
	}
	name := i.ApplicationCommandData().Name
	cmd, ok := c.Get(name)
	if !ok {
		return fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}

	set := c.set
	if cmd.Owner != "" && set.gate != nil && !set.gate(cmd.Owner) {
		if s != nil {
			if replyErr := Reply(s, i, unavailableReply, true); replyErr != nil {
				set.logger.Warn("could not reply to gated command", "command", name, "error", replyErr)
			}
		}
		return fmt.Errorf("%w: /%s (module %s is not enabled)", ErrCommandUnavailable, name, cmd.Owner)
	}

	if cmd.Owner != "" {
		ctx = router.WithOrigin(ctx, cmd.Owner)
	}

	defer func() {
		if v := recover(); v != nil {
			u := router.FromPanic(ctx, v)
			set.report(ctx, u)
			err = u.Err
		}
	}()

	if err := cmd.Handler(ctx, s, i); err != nil {
		set.report(ctx, router.FromError(ctx, err))
		return err
	}
	return nil
}

// Handle is the discordgo event handler for interactions. Register it on
// every shard.
func (c *Commands) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if err := c.Dispatch(context.Background(), s, i); err != nil {
		c.set.logger.Debug("slash command failed", "command", i.ApplicationCommandData().Name, "error", err)
	}
}

func (s *commandSet) report(ctx context.Context, u router.Uncaught) {
	if s.reporter == nil {
		s.logger.Error("slash command failed", "module", u.Origin, "error", u.Err)
		return
	}
	if _, err := s.reporter.Route(ctx, u); err != nil {
		s.logger.Error("slash command failure was not handled", "module", u.Origin, "error", u.Err)
	}
}

// Reply answers an interaction with a plain message.
func Reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{Content: content}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}
