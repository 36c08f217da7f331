package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/personchat/pkg/types"
)

func okHandler(out string) Handler {
	return func(context.Context, string) (string, error) { return out, nil }
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tool    Tool
		wantErr bool
	}{
		{"valid", Tool{Definition: types.ToolDefinition{Name: "a"}, Handler: okHandler("{}")}, false},
		{"empty name", Tool{Handler: okHandler("{}")}, true},
		{"nil handler", Tool{Definition: types.ToolDefinition{Name: "b"}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := NewRegistry().Register(tc.tool)
			if (err != nil) != tc.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tool := Tool{Definition: types.ToolDefinition{Name: "get_person"}, Handler: okHandler("{}")}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(tool)
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("second Register error = %v, want ErrDuplicateTool", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistry_DefinitionsOrderStable(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	names := []string{"get_person_list", "get_person", "zeta", "alpha"}
	for _, n := range names {
		if err := reg.Register(Tool{Definition: types.ToolDefinition{Name: n}, Handler: okHandler("{}")}); err != nil {
			t.Fatalf("Register(%q): %v", n, err)
		}
	}

	for range 3 {
		defs := reg.Definitions()
		if len(defs) != len(names) {
			t.Fatalf("len(Definitions) = %d, want %d", len(defs), len(names))
		}
		for i, d := range defs {
			if d.Name != names[i] {
				t.Errorf("Definitions()[%d] = %q, want %q", i, d.Name, names[i])
			}
		}
	}
}

func TestRegistry_DefaultsSourceAndSchema(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(Tool{Definition: types.ToolDefinition{Name: "x"}, Handler: okHandler("{}")}); err != nil {
		t.Fatal(err)
	}
	got, ok := reg.Lookup("x")
	if !ok {
		t.Fatal("Lookup(x) not found")
	}
	if got.Source != SourceBuiltin {
		t.Errorf("Source = %q, want %q", got.Source, SourceBuiltin)
	}
	if got.Definition.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v, want object schema", got.Definition.Parameters)
	}
}

func TestRegistry_Suggest(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, n := range []string{"get_person_list", "get_person"} {
		_ = reg.Register(Tool{Definition: types.ToolDefinition{Name: n}, Handler: okHandler("{}")})
	}

	tests := []struct {
		in   string
		want string
	}{
		{"get_persons", "get_person"},
		{"get_person_lst", "get_person_list"},
		{"foo", ""},
	}
	for _, tc := range tests {
		if got := reg.suggest(tc.in); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	_ = reg.Register(Tool{Definition: types.ToolDefinition{Name: "a"}, Handler: okHandler("{}")})
	reg.record("a", 10*time.Millisecond, false)
	reg.record("a", 30*time.Millisecond, true)
	reg.record("missing", time.Second, true)

	stats := reg.Stats()
	if len(stats) != 1 {
		t.Fatalf("len(Stats) = %d, want 1", len(stats))
	}
	s := stats[0]
	if s.Calls != 2 {
		t.Errorf("Calls = %d, want 2", s.Calls)
	}
	if s.ErrorRate != 0.5 {
		t.Errorf("ErrorRate = %f, want 0.5", s.ErrorRate)
	}
	if s.P50Ms != 30 {
		t.Errorf("P50Ms = %d, want 30", s.P50Ms)
	}
}
