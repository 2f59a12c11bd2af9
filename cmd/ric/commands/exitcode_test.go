package commands

import (
	"bytes"
	"errors"
	"testing"

	"ric/internal/ricerrors"
)

func TestExitCode_Nil(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d, want 0", got)
	}
}

func TestExitCode_ConfigError(t *testing.T) {
	err := ricerrors.New(ricerrors.BadInput, "missing RIC_STORE_BACKEND")
	if got := ExitCode(err); got != 1 {
		t.Fatalf("ExitCode(bad_input) = %d, want 1", got)
	}
}

func TestExitCode_StoreUnreachable(t *testing.T) {
	err := ricerrors.Wrap(ricerrors.DependencyUnavailable, "connect to postgres", errors.New("dial tcp: refused"))
	if got := ExitCode(err); got != 2 {
		t.Fatalf("ExitCode(dependency_unavailable) = %d, want 2", got)
	}
}

func TestExitCode_IndexMismatch(t *testing.T) {
	err := ricerrors.New(ricerrors.DimensionMismatch, "chunks.vec column is dimension 1536, configured dimension is 384")
	if got := ExitCode(err); got != 3 {
		t.Fatalf("ExitCode(dimension_mismatch) = %d, want 3", got)
	}
}

func TestExitCode_UnrecognizedErrorFallsBackToOne(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode(plain error) = %d, want 1", got)
	}
}

// TestNewRootCmd_RegistersSubcommandsAndConfigFlag exercises wiring rather
// than behavior: serve/migrate-indexes both require a live store to run, so
// this only checks the command tree cobra.Command builds is the one the CLI
// contract names.
func TestNewRootCmd_RegistersSubcommandsAndConfigFlag(t *testing.T) {
	root := NewRootCmd()

	if flag := root.PersistentFlags().Lookup("config"); flag == nil {
		t.Fatal("expected a persistent --config flag")
	}

	want := map[string]bool{"serve": false, "migrate-indexes": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to register %q subcommand", name)
		}
	}
}

func TestNewVersionCmd_PrintsVersion(t *testing.T) {
	cmd := NewVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() == 0 {
		t.Fatal("expected version command to write output")
	}
}
