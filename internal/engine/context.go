package engine

import (
	"os"
	"sort"
	"strings"
)

const maxContextEntries = 50

var skippedContextDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
}

// withInitialContext appends a top-level listing of the workspace so
// the first instruction of a fresh session lands with structure the
// provider would otherwise have to discover tool call by tool call.
func withInitialContext(instruction, workDir string) string {
	entries, err := os.ReadDir(workDir)
	if err != nil || len(entries) == 0 {
		return instruction
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") && name != ".env.example" {
			continue
		}
		if skippedContextDirs[name] {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return instruction
	}
	sort.Strings(names)
	if len(names) > maxContextEntries {
		names = names[:maxContextEntries]
	}

	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\n<workspace_structure>\n")
	for _, name := range names {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	b.WriteString("</workspace_structure>")
	return b.String()
}
