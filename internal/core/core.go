// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/modbot/modbot/internal/console"
	"github.com/modbot/modbot/internal/discord"
	"github.com/modbot/modbot/internal/manager"
	"github.com/modbot/modbot/internal/module"
	"github.com/modbot/modbot/internal/status"
	"github.com/modbot/modbot/pkg/descriptor"
)

// Name is the core module's registry name.
const Name = "Core"

// maxReply is Discord's message content limit.
const maxReply = 2000

// ErrProtected is returned when an operator tries to unload the core module.
var ErrProtected = errors.New("the core module cannot be unloaded")

var (
	_ module.Module            = (*Module)(nil)
	_ module.ExceptionHandler  = (*Module)(nil)
	_ console.Registrar        = (*Module)(nil)
	_ discord.CommandRegistrar = (*Module)(nil)
)

type (
	// Module is the core internal module.
	Module struct {
		module.Base
		manager *manager.Manager
		stop    func()
		attach  func(ctx context.Context, path string) (*manager.Instance, error)
		ownerID string
		version string
	}

	// Option configures the core module.
	Option func(*Module)
)

// WithOwner restricts the /modules slash command to one Discord user id.
func WithOwner(id string) Option {
	return func(m *Module) { m.ownerID = id }
}

// WithVersion sets the version reported in the descriptor.
func WithVersion(v string) Option {
	return func(m *Module) { m.version = v }
}

// WithAttach replaces Manager.Attach for the attach command, so the caller
// can integrate modules attached at runtime.
func WithAttach(fn func(ctx context.Context, path string) (*manager.Instance, error)) Option {
	return func(m *Module) { m.attach = fn }
}

// New creates the core module. stop is called by the console stop command.
func New(mgr *manager.Manager, stop func(), opts ...Option) *Module {
	m := &Module{manager: mgr, stop: stop, version: descriptor.DefaultVersion}
	for _, opt := range opts {
		opt(m)
	}
	if m.attach == nil && mgr != nil {
		m.attach = mgr.Attach
	}
	return m
}

// Descriptor describes the core module to the manager.
func (m *Module) Descriptor() *descriptor.Descriptor {
	desc := descriptor.Internal(Name, "modbot", m.version)
	desc.ExceptionNamespaces = []string{"github.com/modbot/modbot/internal/core"}
	return desc
}

// OnUncaughtException logs errors raised from core commands.
func (m *Module) OnUncaughtException(_ context.Context, err error) error {
	m.Logger().Error("core command failed", "error", err)
	return nil
}

// RegisterConsole adds the registry commands to the operator console.
func (m *Module) RegisterConsole(c *console.Console) error {
	return c.Add(m.modulesCommand(), m.moduleCommand(), m.stopCommand())
}

// RegisterCommands adds the /modules slash command.
func (m *Module) RegisterCommands(c *discord.Commands) error {
	return c.Add(&discordgo.ApplicationCommand{
		Name:        "modules",
		Description: "List the bot's modules and their status",
	}, m.slashModules)
}

func (m *Module) modulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List loaded modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			renderTable(cmd.OutOrStdout(), status.ManagerSource(m.manager).Modules())
			return nil
		},
	}
}

func (m *Module) moduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Control one module",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "enable <name>",
			Short: "Enable a loaded module and its hard dependencies",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := m.manager.EnableModule(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("%s enabled\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "unload <name>",
			Short: "Disable and unload a module",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if strings.EqualFold(args[0], Name) {
					return ErrProtected
				}
				if err := m.manager.UnloadModule(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("%s unloaded\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "attach <path>",
			Short: "Load and enable a bundle while the bot is running",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				inst, err := m.attach(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				cmd.Printf("%s attached (%s)\n", inst.Name(), inst.Status())
				return nil
			},
		},
	)
	return cmd
}

func (m *Module) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut the bot down",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("stopping")
			if m.stop != nil {
				m.stop()
			}
		},
	}
}

func (m *Module) slashModules(_ context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if m.ownerID != "" && invoker(i) != m.ownerID {
		return discord.Reply(s, i, "Only the bot owner can list modules.", true)
	}
	return discord.Reply(s, i, summary(status.ManagerSource(m.manager).Modules()), true)
}

func invoker(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// summary renders a plain text module list that fits in one message.
func summary(infos []status.ModuleInfo) string {
	if len(infos) == 0 {
		return "No modules are loaded."
	}

	var sb strings.Builder
	sb.WriteString("```\n")
	for i, info := range infos {
		line := fmt.Sprintf("%-20s %-10s %s\n", info.Name, info.Status, info.Version)
		if sb.Len()+len(line)+len("…\n```") > maxReply {
			sb.WriteString("… and " + strconv.Itoa(len(infos)-i) + " more\n")
			break
		}
		sb.WriteString(line)
	}
	sb.WriteString("```")
	return sb.String()
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	enabledStyle = cellStyle.Foreground(lipgloss.Color("#10B981"))
	failedStyle  = cellStyle.Foreground(lipgloss.Color("#EF4444"))
)

func renderTable(w io.Writer, infos []status.ModuleInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no modules loaded")
		return
	}

	rows := make([][]string, len(infos))
	for i, info := range infos {
		rows[i] = []string{info.Name, info.Version, info.Status, info.Source, strconv.Itoa(info.Tasks)}
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("NAME", "VERSION", "STATUS", "SOURCE", "TASKS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				switch rows[row][2] {
				case module.StatusEnabled.String():
					return enabledStyle
				case module.StatusFailed.String():
					return failedStyle
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}
