// SPDX-License-Identifier: MPL-2.0

package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/modbot/modbot/internal/router"
)

var (
	// ErrNoToken is returned by Build when the builder has no bot token.
	ErrNoToken = errors.New("no bot token configured")
	// ErrInvalidShard is returned by Build for shard ids outside [0, total).
	ErrInvalidShard = errors.New("invalid shard id")
	// ErrInvalidHandler is returned by AddHandler for values that are not
	// discordgo event handlers.
	ErrInvalidHandler = errors.New("invalid event handler")

	sessionType = reflect.TypeFor[*discordgo.Session]()
)

type (
	// ShardConfigurer is implemented by modules that add gateway handlers or
	// intents.
	ShardConfigurer interface {
		ConfigureShards(b *ShardBuilder) error
	}

	// ShardBuilder collects gateway settings and builds one session per shard.
	// Scope returns views whose handlers run only while their owner is
	// enabled.
	ShardBuilder struct {
		set   *shardSet
		owner string
	}

	// ShardOption configures a ShardBuilder.
	ShardOption func(*shardSet)

	shardSet struct {
		mu       sync.Mutex
		token    string
		intents  discordgo.Intent
		handlers []any
		total    int
		ids      []int
		light    bool
		// recommend returns the gateway's recommended shard count; it is
		// consulted when total is 0.
		recommend func(token string) (int, error)
		reporter  Reporter
		gate      func(owner string) bool
		logger    *slog.Logger
	}

	// Shards is a built set of gateway sessions.
	Shards struct {
		sessions []*discordgo.Session
		logger   *slog.Logger
	}
)

// WithShardReporter sets where panics in owned handlers are routed.
func WithShardReporter(r Reporter) ShardOption {
	return func(s *shardSet) { s.reporter = r }
}

// WithShardGate sets the predicate that decides whether an owner's handlers
// run. Without a gate every handler runs.
func WithShardGate(gate func(owner string) bool) ShardOption {
	return func(s *shardSet) { s.gate = gate }
}

// WithShardLogger sets the logger. Defaults to slog.Default().
func WithShardLogger(l *slog.Logger) ShardOption {
	return func(s *shardSet) { s.logger = l }
}

// NewShardBuilder creates a builder for token with the given base intents.
func NewShardBuilder(token string, intents discordgo.Intent, opts ...ShardOption) *ShardBuilder {
	set := &shardSet{token: token, intents: intents, recommend: gatewayShards, logger: slog.Default()}
	for _, opt := range opts {
		opt(set)
	}
	return &ShardBuilder{set: set}
}

// Scope returns a view of the builder whose handlers belong to owner.
func (b *ShardBuilder) Scope(owner string) *ShardBuilder {
	return &ShardBuilder{set: b.set, owner: owner}
}

// Owner returns the module this view registers for, or "" for the root view.
func (b *ShardBuilder) Owner() string { return b.owner }

// AddIntents adds gateway intents required by a module.
func (b *ShardBuilder) AddIntents(intents discordgo.Intent) {
	b.set.mu.Lock()
	b.set.intents |= intents
	b.set.mu.Unlock()
}

// AddHandler adds a discordgo event handler, a func(*discordgo.Session, *T),
// to every shard. Handlers added through a scoped view are skipped while the
// owner is gated off, run with the owner's origin tag, and have their panics
// routed to the owner.
func (b *ShardBuilder) AddHandler(handler any) error {
	v := reflect.ValueOf(handler)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return fmt.Errorf("%w: %T", ErrInvalidHandler, handler)
	}
	t := v.Type()
	if t.NumIn() != 2 || t.In(0) != sessionType || t.NumOut() != 0 {
		return fmt.Errorf("%w: %T", ErrInvalidHandler, handler)
	}
	if b.owner != "" {
		handler = b.set.owned(b.owner, v)
	}

	b.set.mu.Lock()
	b.set.handlers = append(b.set.handlers, handler)
	b.set.mu.Unlock()
	return nil
}

// Handlers returns the handlers Build registers on each session, wrapped as
// added.
func (b *ShardBuilder) Handlers() []any {
	b.set.mu.Lock()
	defer b.set.mu.Unlock()
	return slices.Clone(b.set.handlers)
}

// SetShards sets the total shard count and the ids run by this process.
// total 0 uses the gateway recommendation; nil ids runs every shard.
func (b *ShardBuilder) SetShards(total int, ids []int) {
	b.set.mu.Lock()
	b.set.total = total
	b.set.ids = slices.Clone(ids)
	b.set.mu.Unlock()
}

// SetLight turns off member, presence and voice state caching.
func (b *ShardBuilder) SetLight(light bool) {
	b.set.mu.Lock()
	b.set.light = light
	b.set.mu.Unlock()
}

// Intents returns the accumulated intent mask.
func (b *ShardBuilder) Intents() discordgo.Intent {
	b.set.mu.Lock()
	defer b.set.mu.Unlock()
	return b.set.intents
}

// Build creates one unopened session per shard id.
func (b *ShardBuilder) Build(logger *slog.Logger) (*Shards, error) {
	set := b.set
	set.mu.Lock()
	defer set.mu.Unlock()

	if logger == nil {
		logger = set.logger
	}
	if set.token == "" {
		return nil, ErrNoToken
	}

	total := set.total
	if total == 0 {
		n, err := set.recommend(set.token)
		if err != nil {
			return nil, fmt.Errorf("discord: query recommended shard count: %w", err)
		}
		total = max(n, 1)
	}

	ids := set.ids
	if len(ids) == 0 {
		ids = make([]int, total)
		for i := range ids {
			ids[i] = i
		}
	}

	sessions := make([]*discordgo.Session, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= total {
			return nil, fmt.Errorf("%w: %d (total %d)", ErrInvalidShard, id, total)
		}
		s, err := discordgo.New("Bot " + set.token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session for shard %d: %w", id, err)
		}
		s.ShardID = id
		s.ShardCount = total
		s.Identify.Intents = set.intents
		if set.light {
			s.State.TrackMembers = false
			s.State.TrackPresences = false
			s.State.TrackVoice = false
		}
		for _, h := range set.handlers {
			s.AddHandler(h)
		}
		sessions = append(sessions, s)
	}

	return &Shards{sessions: sessions, logger: logger}, nil
}

// Sessions returns the built sessions in shard id order of Build.
func (s *Shards) Sessions() []*discordgo.Session {
	return slices.Clone(s.sessions)
}

// Open connects every shard. On failure the shards opened so far are closed.
func (s *Shards) Open() error {
	for i, session := range s.sessions {
		if err := session.Open(); err != nil {
			for _, opened := range s.sessions[:i] {
				if closeErr := opened.Close(); closeErr != nil {
					s.logger.Warn("close shard after open failure", "shard", opened.ShardID, "error", closeErr)
				}
			}
			return fmt.Errorf("discord: open shard %d: %w", session.ShardID, err)
		}
		s.logger.Info("shard connected", "shard", session.ShardID, "total", session.ShardCount)
	}
	return nil
}

// Close disconnects every shard.
func (s *Shards) Close() error {
	var errs []error
	for _, session := range s.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", session.ShardID, err))
		}
	}
	return errors.Join(errs...)
}

func gatewayShards(token string) (int, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return 0, err
	}
	gw, err := s.GatewayBot()
	if err != nil {
		return 0, err
	}
	return gw.Shards, nil
}

// owned wraps handler so it runs only while owner passes the gate, under the
// owner's origin tag, with panics routed to the owner.
func (s *shardSet) owned(owner string, handler reflect.Value) any {
	return reflect.MakeFunc(handler.Type(), func(args []reflect.Value) []reflect.Value {
		if s.gate != nil && !s.gate(owner) {
			return nil
		}
		ctx := router.WithOrigin(context.Background(), owner)
		defer func() {
			if v := recover(); v != nil {
				s.report(ctx, router.FromPanic(ctx, v))
			}
		}()
		handler.Call(args)
		return nil
	}).Interface()
}

func (s *shardSet) report(ctx context.Context, u router.Uncaught) {
	if s.reporter == nil {
		s.logger.Error("event handler panicked", "module", u.Origin, "error", u.Err)
		return
	}
	if _, err := s.reporter.Route(ctx, u); err != nil {
		s.logger.Error("event handler panic was not handled", "module", u.Origin, "error", u.Err)
	}
}
