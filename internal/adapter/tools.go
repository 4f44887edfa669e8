package adapter

// canonicalToolNames folds the provider-specific tool vocabularies
// into one display vocabulary so the client renders "Read" whether the
// run came from claude, cursor, or codex.
var canonicalToolNames = map[string]string{
	"read_file":         "Read",
	"read":              "Read",
	"write_file":        "Write",
	"write":             "Write",
	"create_file":       "Write",
	"edit_file":         "Edit",
	"edit":              "Edit",
	"str_replace":       "Edit",
	"delete_file":       "Delete",
	"shell":             "Bash",
	"bash":              "Bash",
	"run_command":       "Bash",
	"command_execution": "Bash",
	"ls":                "LS",
	"list_dir":          "LS",
	"list_directory":    "LS",
	"glob":              "Glob",
	"find":              "Glob",
	"grep":              "Grep",
	"search":            "Grep",
	"codebase_search":   "Grep",
	"web_search":        "WebSearch",
	"web_fetch":         "WebFetch",
	"todo_write":        "TodoWrite",
	"update_plan":       "TodoWrite",
	"task":              "Task",
}

// NormalizeToolName maps a provider tool name onto the canonical
// vocabulary, passing unknown names through unchanged.
func NormalizeToolName(name string) string {
	if canonical, ok := canonicalToolNames[name]; ok {
		return canonical
	}
	return name
}
