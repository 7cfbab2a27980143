// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/modbot/modbot/internal/bundle"
	"github.com/modbot/modbot/internal/issue"
	"github.com/modbot/modbot/internal/loader"
	"github.com/modbot/modbot/pkg/descriptor"
	"github.com/modbot/modbot/pkg/platform"
)

// maxInfoFiles caps the file listing of `modules info`.
const maxInfoFiles = 50

// ErrInvalidBundle is returned by `modules validate` when checks fail.
var ErrInvalidBundle = errors.New("bundle validation failed")

// newModulesCommand creates the `modbot modules` command tree.
func newModulesCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modules",
		Aliases: []string{"module", "mod"},
		Short:   "Inspect and pack module bundles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newModulesListCommand(app),
		newModulesValidateCommand(app),
		newModulesInfoCommand(app),
		newModulesPackCommand(app),
	)
	return cmd
}

func newModulesListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list [directory...]",
		Short: "List bundles in load order",
		Long: `List the bundles found in the given directories, or in the configured
module directories when none are given, in the order they would load.

Examples:
  modbot modules list
  modbot modules list ./modules ./more-modules`,
		RunE: func(cmd *cobra.Command, args []string) error {
			roots := args
			if len(roots) == 0 {
				cfg, err := app.loadConfig(cmd.Context())
				if err != nil {
					return err
				}
				roots = cfg.Modules.Directories
			}
			return listModules(app, roots)
		},
	}
}

func listModules(app *App, roots []string) error {
	logger := slog.New(slog.NewTextHandler(app.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	candidates, err := bundle.Discover(roots, logger)
	if err != nil {
		return err
	}

	var (
		descs  []*descriptor.Descriptor
		paths  []string
		broken [][]string
	)
	for _, c := range candidates {
		b, err := bundle.Open(c.Path)
		if err != nil {
			broken = append(broken, []string{filepath.Base(c.Path), err.Error()})
			continue
		}
		descs = append(descs, b.Descriptor)
		paths = append(paths, c.Path)
		_ = b.Close()
	}

	if len(descs) == 0 && len(broken) == 0 {
		fmt.Fprintf(app.stdout, "%s No bundles found in %s\n", infoIcon, strings.Join(roots, ", "))
		return nil
	}

	order, orderErr := bundle.Order(descs)
	if orderErr != nil {
		fmt.Fprintf(app.stderr, "%s %v; using discovery order\n", warningIcon, orderErr)
	}

	rows := make([][]string, 0, len(order))
	for pos, i := range order {
		d := descs[i]
		rows = append(rows, []string{
			strconv.Itoa(pos + 1),
			d.Name,
			d.Version,
			d.Author,
			dependencies(d),
			paths[i],
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(app.stdout, renderTable([]string{"#", "NAME", "VERSION", "AUTHOR", "DEPENDS ON", "PATH"}, rows))
	}

	if len(broken) > 0 {
		fmt.Fprintln(app.stdout)
		for _, b := range broken {
			fmt.Fprintf(app.stdout, "%s %s: %s\n", errorIcon, CmdStyle.Render(b[0]), b[1])
		}
	}
	return nil
}

func dependencies(d *descriptor.Descriptor) string {
	deps := slices.Clone(d.HardDependencies)
	for _, s := range d.SoftDependencies {
		deps = append(deps, s+"?")
	}
	if len(deps) == 0 {
		return "-"
	}
	return strings.Join(deps, ", ")
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Render()
}

func newModulesValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Check that a bundle can be loaded",
		Long: `Check a bundle archive or directory: the manifest must parse, a Lua
entry chunk must exist inside the bundle, and dependencies must be sane.

Examples:
  modbot modules validate ./modules/greeter.modbundle
  modbot modules validate ./dist/greeter.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return validateBundle(app, args[0])
		},
	}
}

func validateBundle(app *App, path string) error {
	out := app.stdout
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	fmt.Fprintln(out, TitleStyle.Render("Bundle Validation"))
	fmt.Fprintf(out, "%s Path: %s\n", infoIcon, CmdStyle.Render(absPath))

	b, err := bundle.Open(path)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", errorIcon, err)
		return openBundleError(path, err)
	}
	defer func() { _ = b.Close() }()

	d := b.Descriptor
	fmt.Fprintf(out, "%s Name: %s\n\n", infoIcon, CmdStyle.Render(d.Name))
	fmt.Fprintf(out, "%s Manifest parses\n", successIcon)

	problems, warnings := checkBundle(b)
	if d.IsScript() && len(problems) == 0 {
		fmt.Fprintf(out, "%s Lua entry chunk %s found\n", successIcon, CmdStyle.Render(d.Script()))
	}
	if !d.IsScript() {
		fmt.Fprintf(out, "%s Entry point %s must be linked into the host binary\n", warningIcon, CmdStyle.Render(d.EntryPoint))
	}

	for _, w := range warnings {
		fmt.Fprintf(out, "%s %s\n", warningIcon, w)
	}

	if len(problems) == 0 {
		fmt.Fprintf(out, "%s Dependencies are consistent\n", successIcon)
		fmt.Fprintf(out, "\n%s Bundle is valid\n", successIcon)
		return nil
	}

	fmt.Fprintf(out, "\n%s Bundle validation failed with %d issue(s)\n", errorIcon, len(problems))
	for i, p := range problems {
		fmt.Fprintf(out, "  %d. %s\n", i+1, p)
	}
	return &ExitError{Code: 1, Err: ErrInvalidBundle}
}

// checkBundle returns the problems that would stop b from loading and
// warnings about things that load but are likely mistakes.
func checkBundle(b *bundle.Bundle) (problems, warnings []string) {
	d := b.Descriptor

	if platform.IsWindowsReservedName(d.Name) {
		problems = append(problems, fmt.Sprintf("module name %q is reserved on Windows and cannot name its data directory", d.Name))
	}
	if d.Version != descriptor.DefaultVersion && !semver.IsValid(canonicalVersion(d.Version)) {
		warnings = append(warnings, fmt.Sprintf("version %q is not a semantic version", d.Version))
	}

	if d.IsScript() {
		unit := loader.NewUnit(d.Name, loader.NewLinker(), loader.NewSiblingSet(), loader.WithFS(b.FS))
		if _, ok := unit.ResolveOwn(d.Script()); !ok {
			problems = append(problems, fmt.Sprintf("entry chunk %q not found in the bundle", d.Script()))
		}
	}

	seen := make(map[string]string)
	for kind, deps := range map[string][]string{"hard": d.HardDependencies, "soft": d.SoftDependencies} {
		for _, dep := range deps {
			key := strings.ToLower(dep)
			if strings.EqualFold(dep, d.Name) {
				problems = append(problems, fmt.Sprintf("%s dependency on itself", kind))
			}
			if prev, dup := seen[key]; dup && prev != kind {
				problems = append(problems, fmt.Sprintf("%s is both a hard and a soft dependency", dep))
			}
			seen[key] = kind
		}
	}
	for _, name := range d.LoadBefore {
		if strings.EqualFold(name, d.Name) {
			problems = append(problems, "loadBefore names the module itself")
		}
		if _, dep := seen[strings.ToLower(name)]; dep {
			problems = append(problems, fmt.Sprintf("%s is a dependency and in loadBefore", name))
		}
	}
	slices.Sort(problems)
	return problems, warnings
}

// canonicalVersion adds the "v" prefix golang.org/x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func openBundleError(path string, err error) error {
	ctx := issue.NewErrorContext().
		WithOperation("open bundle").
		WithResource(path).
		Wrap(err)
	if errors.Is(err, descriptor.ErrManifestNotFound) {
		ctx = ctx.WithSuggestion("Add a module.cue manifest at the bundle root")
	}
	if errors.Is(err, bundle.ErrNotBundle) {
		ctx = ctx.WithSuggestion("Pass a .zip archive or a directory ending in " + bundle.DirSuffix)
	}
	return ctx.BuildError()
}

func newModulesInfoCommand(app *App) *cobra.Command {
	var style string

	cmd := &cobra.Command{
		Use:   "info <bundle>",
		Short: "Describe a bundle",
		Long: `Render a bundle's manifest and contents as a formatted document.

Examples:
  modbot modules info ./modules/greeter.modbundle
  modbot modules info ./dist/greeter.zip --style notty`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			b, err := bundle.Open(args[0])
			if err != nil {
				return openBundleError(args[0], err)
			}
			defer func() { _ = b.Close() }()
			return renderInfo(app.stdout, b, style)
		},
	}

	cmd.Flags().StringVar(&style, "style", "auto", "glamour style (auto, dark, light, notty)")

	return cmd
}

func renderInfo(w io.Writer, b *bundle.Bundle, style string) error {
	styleOpt := glamour.WithStandardStyle(style)
	if style == "auto" {
		styleOpt = glamour.WithAutoStyle()
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(80))
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	rendered, err := r.Render(infoMarkdown(b))
	if err != nil {
		return fmt.Errorf("render bundle info: %w", err)
	}
	_, err = io.WriteString(w, rendered)
	return err
}

func infoMarkdown(b *bundle.Bundle) string {
	d := b.Descriptor
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", d.Name)
	sb.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Version | %s |\n", d.Version)
	fmt.Fprintf(&sb, "| Author | %s |\n", d.Author)
	fmt.Fprintf(&sb, "| Entry point | `%s` |\n", d.EntryPoint)
	fmt.Fprintf(&sb, "| Injection | %t |\n", d.Injection)
	fmt.Fprintf(&sb, "| Source | `%s` |\n\n", b.Path)

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "## %s\n\n", title)
		for _, it := range items {
			fmt.Fprintf(&sb, "- %s\n", it)
		}
		sb.WriteString("\n")
	}
	section("Hard dependencies", d.HardDependencies)
	section("Soft dependencies", d.SoftDependencies)
	section("Loads before", d.LoadBefore)
	section("Exception namespaces", d.ExceptionNamespaces)

	var files []string
	_ = fs.WalkDir(b.FS, ".", func(p string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return nil
		}
		if len(files) == maxInfoFiles {
			files = append(files, "…")
			return fs.SkipAll
		}
		files = append(files, "`"+p+"`")
		return nil
	})
	section("Files", files)

	return sb.String()
}

func newModulesPackCommand(app *App) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pack <directory>",
		Short: "Zip a bundle directory for distribution",
		Long: `Create a zip archive from a bundle directory. The archive is written
next to the directory as <name>.zip unless --output is given.

Examples:
  modbot modules pack ./greeter.modbundle
  modbot modules pack ./greeter.modbundle --output ./dist/greeter.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			archive, err := bundle.Pack(args[0], output)
			if err != nil {
				return openBundleError(args[0], err)
			}
			fmt.Fprintf(app.stdout, "%s Created bundle archive at %s\n", successIcon, CmdStyle.Render(archive))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default <name>.zip next to the directory)")

	return cmd
}
