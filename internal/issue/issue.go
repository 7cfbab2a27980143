// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	ManifestNotFoundId Id = iota + 1
	ManifestParseErrorId
	BundleOpenFailedId
	EntryPointNotFoundId
	DuplicateModuleId
	DependencyMissingId
	DependencyCycleId
	ConfigLoadFailedId
	TokenMissingId
)

type (
	// Id identifies a well-known failure class.
	Id int

	// MarkdownMsg is guidance text rendered with glamour.
	MarkdownMsg string

	// Issue is the long-form guidance for one failure class.
	Issue struct {
		id    Id
		mdMsg MarkdownMsg
	}
)

// Id returns the issue id.
func (i *Issue) Id() Id { return i.id }

// MarkdownMsg returns the raw guidance.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// Render renders the guidance for a terminal. stylePath is a glamour style
// name such as "dark" or "notty".
func (i *Issue) Render(stylePath string) (string, error) {
	return render(string(i.mdMsg), stylePath)
}

var (
	render = glamour.Render

	issues = map[Id]*Issue{
		ManifestNotFoundId: {
			id: ManifestNotFoundId,
			mdMsg: `
# No module manifest found!

Every bundle needs a ` + "`module.cue`" + ` (or legacy ` + "`module_info.json`" + `) at its root.

## Minimal manifest
~~~cue
name:       "Beta"
entryPoint: "beta.Main"
~~~`,
		},
		ManifestParseErrorId: {
			id: ManifestParseErrorId,
			mdMsg: `
# Failed to parse the module manifest!

## Things you can check
- ` + "`name`" + ` and ` + "`entryPoint`" + ` are present
- dependency lists are lists of strings
- the file is valid CUE or JSON

~~~
$ modbot modules validate ./modules/beta.zip
~~~`,
		},
		BundleOpenFailedId: {
			id: BundleOpenFailedId,
			mdMsg: `
# Could not open the module bundle!

Bundles are zip archives or directories ending in ` + "`.modbundle`" + `.
Rebuild an archive from its directory with:
~~~
$ modbot modules pack ./beta.modbundle
~~~`,
		},
		EntryPointNotFoundId: {
			id: EntryPointNotFoundId,
			mdMsg: `
# Entry point not found!

The ` + "`entryPoint`" + ` symbol is resolved in the bundle's own code, then in the
other loaded modules, then in the host. Linked Go modules must be registered
with the linker at build time; scripted modules use ` + "`lua:<chunk>`" + `.`,
		},
		DuplicateModuleId: {
			id: DuplicateModuleId,
			mdMsg: `
# Duplicate module name!

Two bundles declare the same ` + "`name`" + ` (names are case-insensitive).
The first one discovered is kept; remove or rename the other.`,
		},
		DependencyMissingId: {
			id: DependencyMissingId,
			mdMsg: `
# Hard dependency missing!

A module lists a ` + "`hardDependencies`" + ` entry that is not loaded. Install the
missing bundle, or move the entry to ` + "`softDependencies`" + ` if the module can
run without it.`,
		},
		DependencyCycleId: {
			id: DependencyCycleId,
			mdMsg: `
# Dependency cycle detected!

Modules that depend on each other can never be enabled. Break the cycle by
turning one of the edges into a soft dependency.`,
		},
		ConfigLoadFailedId: {
			id: ConfigLoadFailedId,
			mdMsg: `
# Could not load the modbot configuration!

~~~
$ modbot config init
$ modbot config show
~~~`,
		},
		TokenMissingId: {
			id: TokenMissingId,
			mdMsg: `
# No Discord token configured!

Set ` + "`discord.token`" + ` in ` + "`config.cue`" + ` or export ` + "`MODBOT_DISCORD_TOKEN`" + `.
Without a token the bot runs modules offline.`,
		},
	}
)

// Values returns every known issue ordered by id.
func Values() []*Issue {
	values := maps.Values(issues)
	slices.SortFunc(values, func(a, b *Issue) int { return int(a.id - b.id) })
	return values
}

// Get returns the issue for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

// Title returns the first heading of the guidance.
func (i *Issue) Title() string {
	for line := range strings.Lines(string(i.mdMsg)) {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return t
		}
	}
	return ""
}
