// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestActionableErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{"operation only", &ActionableError{Operation: "load configuration"}, "failed to load configuration"},
		{"with resource", &ActionableError{Operation: "open bundle", Resource: "beta.zip"}, "failed to open bundle: beta.zip"},
		{
			"with cause",
			&ActionableError{Operation: "open bundle", Resource: "beta.zip", Cause: errors.New("zip: not a valid zip file")},
			"failed to open bundle: beta.zip: zip: not a valid zip file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorContextBuilder(t *testing.T) {
	t.Parallel()

	cause := errors.New("no such file")
	err := NewErrorContext().
		WithOperation("load module bundle").
		WithResource("./modules/beta.zip").
		WithSuggestion("check the path").
		WithSuggestion("run modbot modules list").
		Wrap(cause).
		BuildError()

	if !errors.Is(err, cause) {
		t.Errorf("cause lost: %v", err)
	}
	var ae *ActionableError
	if !errors.As(err, &ae) || len(ae.Suggestions) != 2 {
		t.Fatalf("unexpected error %#v", err)
	}

	if NewErrorContext().WithResource("x").BuildError() != nil {
		t.Error("builder without operation must yield nil")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	inner := errors.New("permission denied")
	err := &ActionableError{
		Operation:   "create data directory",
		Resource:    "modules/Beta",
		Suggestions: []string{"check directory permissions"},
		Cause:       fmt.Errorf("mkdir: %w", inner),
	}

	plain := err.Format(false)
	if !strings.Contains(plain, "• check directory permissions") || strings.Contains(plain, "Error chain") {
		t.Errorf("non-verbose format = %q", plain)
	}

	verbose := err.Format(true)
	if !strings.Contains(verbose, "1. mkdir: permission denied") || !strings.Contains(verbose, "2. permission denied") {
		t.Errorf("verbose format missing chain: %q", verbose)
	}
}

func TestWrapWithContext(t *testing.T) {
	t.Parallel()

	if WrapWithContext(nil, "x", "y") != nil {
		t.Error("nil cause must return nil")
	}
	err := WrapWithContext(errors.New("boom"), "enable module", "Beta")
	if err.Error() != "failed to enable module: Beta: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
