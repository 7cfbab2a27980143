// SPDX-License-Identifier: MPL-2.0

package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/modbot/modbot/internal/config"
	"github.com/modbot/modbot/internal/console"
	"github.com/modbot/modbot/internal/core"
	"github.com/modbot/modbot/internal/discord"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/internal/manager"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/sshserver"
	"github.com/modbot/modbot/internal/status"
	"github.com/modbot/modbot/internal/watch"
	"github.com/modbot/modbot/pkg/descriptor"
)

// Integration hook names, used in logs and LifecycleHookError.
const (
	hookConsole  = "console"
	hookCommands = "commands"
	hookShards   = "shards"

	// hostKeyName is the SSH host key file under modules.data_dir.
	hostKeyName = "ssh_host_ed25519"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("bot already started")
	// ErrNotStarted is returned when an operation needs a started bot.
	ErrNotStarted = errors.New("bot not started")
)

type (
	// Bot is the composition root.
	Bot struct {
		cfg      *config.Config
		logger   *slog.Logger
		linker   *loader.Linker
		version  string
		in       io.Reader
		out      io.Writer
		internal []internalModule

		manager  *manager.Manager
		console  *console.Console
		commands *discord.Commands
		shards   *discord.Shards
		status   *status.Server
		remote   *sshserver.Server
		watcher  *watch.Watcher

		// enabled gates console commands, slash commands and gateway
		// handlers by their owner's status; openShards connects built shards.
		enabled    func(owner string) bool
		openShards func(*discord.Shards) error

		// stop cancels the context of Run; cancel stops background tasks.
		stop     context.CancelFunc
		cancel   context.CancelFunc
		tasks    conc.WaitGroup
		mu       sync.Mutex
		started  bool
		shutdown sync.Once
		errShut  error
	}

	internalModule struct {
		desc *descriptor.Descriptor
		mod  module.Module
	}

	// Option configures a Bot.
	Option func(*Bot)
)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithLinker sets the linker holding the compiled-in entry points of bundles.
func WithLinker(l *loader.Linker) Option {
	return func(b *Bot) { b.linker = l }
}

// WithVersion sets the version reported by the core module.
func WithVersion(v string) Option {
	return func(b *Bot) { b.version = v }
}

// WithConsole reads operator commands from in and writes their output to
// out. Without it the console still exists but nothing feeds it.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(b *Bot) {
		b.in = in
		b.out = out
	}
}

// WithInternalModule registers an extra module compiled into the binary.
func WithInternalModule(desc *descriptor.Descriptor, mod module.Module) Option {
	return func(b *Bot) { b.internal = append(b.internal, internalModule{desc: desc, mod: mod}) }
}

// New creates a Bot for cfg. Nothing starts until Start or Run.
func New(cfg *config.Config, opts ...Option) *Bot {
	b := &Bot{
		cfg:        cfg,
		logger:     slog.Default(),
		out:        io.Discard,
		openShards: (*discord.Shards).Open,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.linker == nil {
		b.linker = loader.NewLinker()
	}
	return b
}

// Manager returns the module manager, or nil before Start.
func (b *Bot) Manager() *manager.Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manager
}

// Console returns the operator console, or nil before Start.
func (b *Bot) Console() *console.Console {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.console
}

// Commands returns the slash command registry, or nil before Start.
func (b *Bot) Commands() *discord.Commands {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// Status returns the status server, or nil when it is disabled.
func (b *Bot) Status() *status.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Remote returns the SSH console, or nil when it is disabled.
func (b *Bot) Remote() *sshserver.Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote
}

// Run starts the bot, serves the console and blocks until ctx is cancelled
// or the core module's stop command runs. It always shuts down before
// returning.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.stop = cancel
	b.mu.Unlock()

	startErr := b.Start(ctx)
	if startErr == nil {
		if b.in != nil {
			b.tasks.Go(func() {
				if err := b.console.Run(ctx, b.in); err != nil && !errors.Is(err, context.Canceled) {
					b.logger.Error("console stopped", "error", err)
				}
			})
		}
		<-ctx.Done()
	}

	return errors.Join(startErr, b.Shutdown(context.WithoutCancel(ctx)))
}

// Start runs the startup phases. Module load and enable failures are logged
// and leave the bot running; configuration and connection failures are
// returned.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if err := b.buildManager(ctx); err != nil {
		return err
	}

	if err := b.manager.LoadAll(ctx, b.cfg.Modules.Directories); err != nil {
		b.logger.Warn("some modules failed to load", "error", err)
	}

	builder, err := b.integrate(ctx)
	if err != nil {
		return err
	}

	if err := b.manager.EnableModules(ctx); err != nil {
		b.logger.Warn("some modules failed to enable", "error", err)
	}

	if builder != nil {
		if err := b.connect(builder); err != nil {
			return err
		}
	}

	if err := b.startWatcher(ctx); err != nil {
		return err
	}
	if err := b.startStatus(ctx); err != nil {
		return err
	}
	if err := b.startRemote(ctx); err != nil {
		return err
	}
	b.logger.Info("bot started", "modules", len(b.manager.Instances()))
	return nil
}

// Shutdown stops the consoles and the watcher, unloads every module, closes
// the shards and stops the status server. Only the first call does any work.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.shutdown.Do(func() {
		b.mu.Lock()
		for _, cancel := range []context.CancelFunc{b.stop, b.cancel} {
			if cancel != nil {
				cancel()
			}
		}
		b.mu.Unlock()
		b.tasks.Wait()

		var errs []error
		if b.remote != nil {
			errs = append(errs, b.remote.Stop())
		}
		if b.manager != nil {
			errs = append(errs, b.manager.UnloadModules(ctx))
		}
		if b.shards != nil {
			errs = append(errs, b.shards.Close())
		}
		if b.status != nil {
			errs = append(errs, b.status.Stop())
		}
		b.errShut = errors.Join(errs...)
		b.logger.Info("bot stopped")
	})
	return b.errShut
}

// requestStop is the core module's stop command.
func (b *Bot) requestStop() {
	b.mu.Lock()
	stop := b.stop
	b.mu.Unlock()

	if stop == nil {
		b.logger.Warn("stop requested but the bot is not running under Run")
		return
	}
	stop()
}

func (b *Bot) buildManager(ctx context.Context) error {
	m := manager.New(b.linker,
		manager.WithLogger(b.logger),
		manager.WithDataRoot(b.cfg.Modules.DataDir),
		manager.WithWorkers(b.cfg.Modules.Workers),
	)
	enabled := func(owner string) bool {
		inst, ok := m.Get(owner)
		return ok && inst.Status() == module.StatusEnabled
	}

	b.mu.Lock()
	b.manager = m
	b.enabled = enabled
	b.console = console.New(
		console.WithOutput(b.out),
		console.WithReporter(m.Router()),
		console.WithGate(enabled),
		console.WithLogger(b.logger),
	)
	b.commands = discord.NewCommands(
		discord.WithReporter(m.Router()),
		discord.WithGate(enabled),
		discord.WithCommandLogger(b.logger),
	)
	b.mu.Unlock()

	c := core.New(m, b.requestStop,
		core.WithOwner(b.cfg.Discord.OwnerID),
		core.WithVersion(b.version),
		core.WithAttach(b.Attach),
	)
	modules := append([]internalModule{{desc: c.Descriptor(), mod: c}}, b.internal...)
	for _, im := range modules {
		if _, err := m.AddInternal(ctx, im.desc, im.mod); err != nil {
			return fmt.Errorf("add internal module %s: %w", im.desc.Name, err)
		}
	}
	return nil
}

// integrate runs the startup integration hooks. It returns the shard
// builder when a token is configured.
func (b *Bot) integrate(ctx context.Context) (*discord.ShardBuilder, error) {
	if err := manager.Each(ctx, b.manager, hookConsole, b.registerConsole); err != nil {
		b.logger.Warn("console integration failed for some modules", "error", err)
	}
	if err := manager.Each(ctx, b.manager, hookCommands, b.registerCommands); err != nil {
		b.logger.Warn("command integration failed for some modules", "error", err)
	}

	dc := b.cfg.Discord
	if dc.Token == "" {
		b.logger.Warn("no discord token configured, running without a gateway connection")
		return nil, nil
	}

	intents, err := discord.ParseIntents(dc.Shards.Intents)
	if err != nil {
		return nil, err
	}
	builder := discord.NewShardBuilder(dc.Token, intents,
		discord.WithShardReporter(b.manager.Router()),
		discord.WithShardGate(b.enabled),
		discord.WithShardLogger(b.logger),
	)
	builder.SetShards(dc.Shards.Total, dc.Shards.IDs)
	builder.SetLight(dc.Shards.Light)
	if err := builder.AddHandler(b.commands.Handle); err != nil {
		return nil, err
	}

	err = manager.Each(ctx, b.manager, hookShards, func(_ context.Context, inst *manager.Instance, sc discord.ShardConfigurer) error {
		return sc.ConfigureShards(builder.Scope(inst.Name()))
	})
	if err != nil {
		b.logger.Warn("shard configuration failed for some modules", "error", err)
	}
	return builder, nil
}

func (b *Bot) registerConsole(_ context.Context, inst *manager.Instance, r console.Registrar) error {
	return r.RegisterConsole(b.console.Scope(inst.Name()))
}

func (b *Bot) registerCommands(_ context.Context, inst *manager.Instance, r discord.CommandRegistrar) error {
	return r.RegisterCommands(b.commands.Scope(inst.Name()))
}

func (b *Bot) connect(builder *discord.ShardBuilder) error {
	shards, err := builder.Build(b.logger)
	if err != nil {
		return err
	}
	if err := b.openShards(shards); err != nil {
		return err
	}
	b.shards = shards
	return b.syncCommands()
}

func (b *Bot) syncCommands() error {
	if b.shards == nil {
		return nil
	}
	sessions := b.shards.Sessions()
	if len(sessions) == 0 {
		return nil
	}
	return b.commands.Sync(sessions[0], b.cfg.Discord.GuildID)
}

// Attach hot-loads the bundle at path, runs the console and command
// integration hooks for it and pushes the command set to Discord.
func (b *Bot) Attach(ctx context.Context, path string) (*manager.Instance, error) {
	if b.Manager() == nil {
		return nil, ErrNotStarted
	}
	inst, err := b.manager.Attach(ctx, path)
	if err != nil {
		return nil, err
	}

	errs := []error{
		manager.Integrate(ctx, b.manager, inst, hookConsole, b.registerConsole),
		manager.Integrate(ctx, b.manager, inst, hookCommands, b.registerCommands),
	}
	if _, ok := inst.Module().(discord.ShardConfigurer); ok {
		inst.Logger().Warn("shard configuration of attached modules applies after a restart")
	}
	if err := b.syncCommands(); err != nil {
		errs = append(errs, fmt.Errorf("sync commands: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		inst.Logger().Warn("attached module is only partly integrated", "error", err)
	}
	return inst, nil
}

func (b *Bot) startWatcher(ctx context.Context) error {
	if !b.cfg.Modules.Watch {
		return nil
	}

	var known []string
	for _, inst := range b.manager.Instances() {
		if inst.Source() != manager.SourceInternal {
			known = append(known, inst.Source())
		}
	}

	w, err := watch.New(watch.Config{
		Roots: b.cfg.Modules.Directories,
		Known: known,
		OnBundle: func(ctx context.Context, path string) error {
			_, err := b.Attach(ctx, path)
			return err
		},
		Logger: b.logger,
	})
	if err != nil {
		return err
	}
	b.watcher = w
	b.tasks.Go(func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("bundle watcher stopped", "error", err)
		}
	})
	return nil
}

func (b *Bot) startStatus(ctx context.Context) error {
	if b.cfg.Status.Listen == "" {
		return nil
	}
	srv := status.New(b.cfg.Status.Listen, status.ManagerSource(b.manager),
		status.WithLogger(b.logger),
		status.WithAllowOrigins(b.cfg.Status.AllowOrigins...))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.status = srv
	b.mu.Unlock()
	return nil
}

func (b *Bot) startRemote(ctx context.Context) error {
	sshCfg := b.cfg.Console.SSH
	if sshCfg.Listen == "" {
		return nil
	}
	hostKey := sshCfg.HostKey
	if hostKey == "" {
		hostKey = filepath.Join(b.cfg.Modules.DataDir, hostKeyName)
	}
	srv := sshserver.New(sshserver.Config{
		Listen:             sshCfg.Listen,
		HostKeyPath:        hostKey,
		AuthorizedKeysPath: sshCfg.AuthorizedKeys,
	}, b.console, sshserver.WithLogger(b.logger))
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("ssh console: %w", err)
	}
	b.mu.Lock()
	b.remote = srv
	b.mu.Unlock()
	return nil
}
