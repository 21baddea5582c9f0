package toolcontract

import (
	"fmt"
	"sort"
)

// ErrUnknownTool wraps a tool name no definition covers.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// builtins is the closed set of tools a model may propose. Adding a
// tool means adding its subprocess dispatch in the actions runner too.
var builtins = map[string]Definition{
	"read_file": {
		Name:        "read_file",
		Description: "Read a file, optionally a line range.",
		Risk:        "low",
		Properties: map[string]Property{
			"path":      {Type: TypeString, Description: "File to read."},
			"startLine": {Type: TypeInteger, Description: "First line, 1-based."},
			"endLine":   {Type: TypeInteger, Description: "Last line, inclusive."},
		},
		Required: []string{"path"},
	},
	"list_dir": {
		Name:        "list_dir",
		Description: "List a directory's entries.",
		Risk:        "low",
		Properties: map[string]Property{
			"path": {Type: TypeString, Description: "Directory to list."},
		},
		Required: []string{"path"},
	},
	"search_text": {
		Name:        "search_text",
		Description: "Search files for a pattern.",
		Risk:        "low",
		Properties: map[string]Property{
			"pattern":     {Type: TypeString, Description: "Text or regex to find."},
			"path":        {Type: TypeString, Description: "File or directory to search."},
			"max_results": {Type: TypeInteger, Description: "Cap on reported matches."},
		},
		Required: []string{"pattern"},
	},
	"run_command": {
		Name:        "run_command",
		Description: "Run a command with arguments, no shell.",
		Risk:        "high",
		Properties: map[string]Property{
			"command": {Type: TypeString, Description: "Executable to run."},
			"args":    {Type: TypeString, Description: "Space-separated arguments."},
		},
		Required: []string{"command"},
	},
	"write_note": {
		Name:        "write_note",
		Description: "Write text to a note file.",
		Risk:        "medium",
		Properties: map[string]Property{
			"path":    {Type: TypeString, Description: "Note file to write."},
			"content": {Type: TypeString, Description: "Text content."},
		},
		Required: []string{"path", "content"},
	},
}

// Lookup returns the definition for a tool name.
func Lookup(name string) (Definition, bool) {
	def, ok := builtins[name]
	return def, ok
}

// Has reports whether name is a registered tool.
func Has(name string) bool {
	_, ok := builtins[name]
	return ok
}

// Names returns the registered tool names, sorted.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateFor resolves a tool by name and validates args against its
// definition. Unknown tools fail before any argument check.
func ValidateFor(name string, args map[string]any) (Definition, error) {
	def, ok := Lookup(name)
	if !ok {
		return Definition{}, &ErrUnknownTool{Name: name}
	}
	if err := Validate(def, args); err != nil {
		return Definition{}, err
	}
	return def, nil
}
