package translate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// formatAction renders the action/parameter fields for a tool-use event, per
// the per-tool rules in spec.md §4.5.
func formatAction(toolName string, input map[string]any) (action, parameter string) {
	switch {
	case toolName == "Bash":
		command, _ := input["command"].(string)
		action = toolName
		if desc, ok := input["description"].(string); ok && desc != "" {
			action = fmt.Sprintf("Bash (%s)", desc)
		}
		return action, command

	case toolName == "Read":
		path, _ := input["file_path"].(string)
		if offset, ok := numberField(input, "offset"); ok {
			limit, hasLimit := numberField(input, "limit")
			end := offset
			if hasLimit {
				end = offset + limit
			}
			return toolName, fmt.Sprintf("%s (lines %d-%d)", path, offset, end)
		}
		return toolName, path

	case toolName == "Grep":
		pattern, _ := input["pattern"].(string)
		path, _ := input["path"].(string)
		glob, _ := input["glob"].(string)
		return toolName, formatSearchParam(pattern, path, glob)

	case toolName == "Glob":
		pattern, _ := input["pattern"].(string)
		path, _ := input["path"].(string)
		return toolName, formatSearchParam(pattern, path, "")

	case toolName == "WebSearch":
		query, _ := input["query"].(string)
		return toolName, fmt.Sprintf("Query: %s", query)

	case toolName == "Edit":
		path, _ := input["file_path"].(string)
		oldStr, _ := input["old_string"].(string)
		newStr, _ := input["new_string"].(string)
		return toolName, unifiedDiff(path, oldStr, newStr)

	case strings.HasPrefix(toolName, "mcp__"):
		return toolName, firstMeaningfulField(input)

	default:
		return toolName, genericParam(input)
	}
}

func numberField(input map[string]any, key string) (int, bool) {
	v, ok := input[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func formatSearchParam(pattern, path, glob string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: `%s`", pattern)
	if path != "" {
		fmt.Fprintf(&b, " in %s", path)
	}
	if glob != "" {
		fmt.Fprintf(&b, " (%s)", glob)
	}
	return b.String()
}

func unifiedDiff(path, oldStr, newStr string) string {
	oldLines := strings.Split(oldStr, "\n")
	newLines := strings.Split(newStr, "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", path, path)
	for _, l := range oldLines {
		fmt.Fprintf(&b, "-%s\n", l)
	}
	for _, l := range newLines {
		fmt.Fprintf(&b, "+%s\n", l)
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstMeaningfulField picks the first non-empty scalar value from an mcp
// tool's input, in insertion-stable order is not guaranteed by Go maps, so
// callers should expect any single field, not a specific one.
func firstMeaningfulField(input map[string]any) string {
	for key, v := range input {
		if s := fmt.Sprintf("%v", v); s != "" {
			return fmt.Sprintf("%s: %s", key, s)
		}
	}
	return ""
}

func genericParam(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	parts := make([]string, 0, len(input))
	for k, v := range input {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

var systemReminderBlock = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)
var leadingLineNumber = regexp.MustCompile(`(?m)^\s*\d+[\t|]`)

// formatToolResult wraps a tool result in a fenced, language-tagged code
// block, applying Read-specific and Bash-specific cleanup rules.
func formatToolResult(toolName, filePath, content string) string {
	if toolName == "Bash" && strings.TrimSpace(content) == "" {
		return "*No output*"
	}

	if toolName == "Read" {
		content = systemReminderBlock.ReplaceAllString(content, "")
		content = leadingLineNumber.ReplaceAllString(content, "")
	}

	lang := languageForPath(filePath)
	return fmt.Sprintf("```%s\n%s\n```", lang, strings.Trim(content, "\n"))
}

func languageForPath(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	ext := path[idx+1:]
	switch ext {
	case "go":
		return "go"
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx":
		return "javascript"
	case "py":
		return "python"
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "md":
		return "markdown"
	case "sh", "bash":
		return "bash"
	default:
		return ext
	}
}

// renderTodos turns a TodoWrite tool-use's todos array into a checklist.
func renderTodos(todos []map[string]any) string {
	var b strings.Builder
	for _, t := range todos {
		status, _ := t["status"].(string)
		content, _ := t["content"].(string)
		var marker string
		switch status {
		case "completed":
			marker = "✅"
		case "in_progress":
			marker = "🔄"
		default:
			marker = "⏳"
		}
		fmt.Fprintf(&b, "%s %s\n", marker, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func taskCompletedBody(content string) string {
	return fmt.Sprintf("✅ Task Completed\n\n\n\n%s\n\n---\n\n", content)
}
