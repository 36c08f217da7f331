package persontool_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/personchat/internal/person/mock"
	"github.com/MrWong99/personchat/internal/tool"
	"github.com/MrWong99/personchat/internal/tool/persontool"
	"github.com/MrWong99/personchat/pkg/types"
)

func TestRegister_Definitions(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	if err := persontool.Register(reg, &mock.Repository{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	defs := reg.Definitions()
	want := []struct{ name, desc string }{
		{"get_person_list", "Use this tool to get the list of people"},
		{"get_person", "Use this tool to get first person from the list"},
	}
	if len(defs) != len(want) {
		t.Fatalf("len(defs) = %d, want %d", len(defs), len(want))
	}
	for i, w := range want {
		if defs[i].Name != w.name || defs[i].Description != w.desc {
			t.Errorf("defs[%d] = %q/%q, want %q/%q", i, defs[i].Name, defs[i].Description, w.name, w.desc)
		}
		if defs[i].Parameters["type"] != "object" {
			t.Errorf("defs[%d].Parameters = %v", i, defs[i].Parameters)
		}
	}
}

func TestRegister_Twice(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	repo := &mock.Repository{}
	_ = persontool.Register(reg, repo)
	if err := persontool.Register(reg, repo); !errors.Is(err, tool.ErrDuplicateTool) {
		t.Errorf("err = %v, want ErrDuplicateTool", err)
	}
}

func TestTools_ThroughDispatcher(t *testing.T) {
	t.Parallel()

	repo := &mock.Repository{
		ListResult: json.RawMessage(`[{"id":1,"name":"Ada"}]`),
		GetErr:     errors.New("person: get: connection refused"),
	}
	reg := tool.NewRegistry()
	if err := persontool.Register(reg, repo); err != nil {
		t.Fatal(err)
	}

	results := tool.NewDispatcher(reg).Dispatch(context.Background(), []types.ToolCall{
		{ID: "a", Name: persontool.ListToolName, Arguments: "{}"},
		{ID: "b", Name: persontool.GetToolName, Arguments: "{}"},
	})

	if results[0].IsError || results[0].Content != `[{"id":1,"name":"Ada"}]` {
		t.Errorf("list result = %+v", results[0])
	}
	if !results[1].IsError {
		t.Fatalf("get result should be an error: %+v", results[1])
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(results[1].Content), &payload); err != nil {
		t.Fatalf("error payload not JSON: %v", err)
	}
	if !strings.Contains(payload["error"], "connection refused") {
		t.Errorf("error payload = %v", payload)
	}

	if list, get := repo.Counts(); list != 1 || get != 1 {
		t.Errorf("repository calls = (%d, %d), want (1, 1)", list, get)
	}
}
