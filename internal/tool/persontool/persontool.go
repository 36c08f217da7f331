// Package persontool provides the built-in tools that expose the person
// repository to the model.
//
// Two tools are exported via [Tools]:
//   - "get_person_list" returns every person as a JSON array.
//   - "get_person" returns the first person of the list.
//
// Neither tool takes arguments. Results are the repository payload verbatim;
// repository errors are returned as Go errors and become error results in
// the dispatcher.
package persontool

import (
	"context"
	"fmt"

	"github.com/MrWong99/personchat/internal/person"
	"github.com/MrWong99/personchat/internal/tool"
	"github.com/MrWong99/personchat/pkg/types"
)

// Tool names as advertised to the model.
const (
	ListToolName = "get_person_list"
	GetToolName  = "get_person"
)

// emptySchema is the parameter schema of a tool that takes no arguments.
func emptySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// Tools returns the person tools bound to repo, in the order they are
// presented to the model.
func Tools(repo person.Repository) []tool.Tool {
	return []tool.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        ListToolName,
				Description: "Use this tool to get the list of people",
				Parameters:  emptySchema(),
			},
			Handler: func(ctx context.Context, _ string) (string, error) {
				data, err := repo.List(ctx)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
			Source: tool.SourceBuiltin,
		},
		{
			Definition: types.ToolDefinition{
				Name:        GetToolName,
				Description: "Use this tool to get first person from the list",
				Parameters:  emptySchema(),
			},
			Handler: func(ctx context.Context, _ string) (string, error) {
				data, err := repo.Get(ctx)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
			Source: tool.SourceBuiltin,
		},
	}
}

// Register adds the person tools to reg.
func Register(reg *tool.Registry, repo person.Repository) error {
	for _, t := range Tools(repo) {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("persontool: %w", err)
		}
	}
	return nil
}
