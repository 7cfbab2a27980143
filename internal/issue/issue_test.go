// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"
	"testing"
)

func TestValuesAreOrderedAndComplete(t *testing.T) {
	t.Parallel()

	values := Values()
	if len(values) != int(TokenMissingId) {
		t.Fatalf("got %d issues, want %d", len(values), TokenMissingId)
	}
	for i, is := range values {
		if is.Id() != Id(i+1) {
			t.Errorf("Values()[%d].Id() = %d, want %d", i, is.Id(), i+1)
		}
		if is.Title() == "" {
			t.Errorf("issue %d has no title", is.Id())
		}
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	if Get(Id(999)) != nil {
		t.Error("unknown id should return nil")
	}
	is := Get(DependencyCycleId)
	if is == nil || is.Title() != "Dependency cycle detected!" {
		t.Fatalf("unexpected issue %+v", is)
	}
	if !strings.Contains(string(is.MarkdownMsg()), "soft dependency") {
		t.Error("guidance should mention soft dependencies")
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	out, err := Get(ManifestNotFoundId).Render("notty")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "No module manifest found") {
		t.Errorf("rendered output lost the title: %q", out)
	}
}
