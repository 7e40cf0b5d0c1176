package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	createTaskPattern   = regexp.MustCompile(`(?i)\b(?:create|add|make)\s+(?:a\s+|an\s+|new\s+)*task\s+(?:to\s+|called\s+|named\s+|for\s+)?(.+)`)
	deleteTaskPattern   = regexp.MustCompile(`(?i)\b(?:delete|remove)\s+task\s+([A-Za-z0-9_\-]+)`)
	completeTaskPattern = regexp.MustCompile(`(?i)\b(?:complete|finish|mark)\s+task\s+([A-Za-z0-9_\-]+)`)
	listTasksPattern    = regexp.MustCompile(`(?i)\b(?:list|show)\b.*\btasks?\b`)
	analyzePattern      = regexp.MustCompile(`(?i)\b(?:analy[sz]e|productivity|patterns?)\b`)
)

// KeywordPlanner is the mock agent's stand-in for language understanding.
func KeywordPlanner(text string) Plan {
	text = strings.TrimSpace(text)
	if text == "" {
		return Plan{Reply: "I am listening."}
	}

	if m := createTaskPattern.FindStringSubmatch(text); len(m) == 2 {
		title := capitalize(strings.TrimRight(strings.TrimSpace(m[1]), ".!?"))
		if title != "" {
			return Plan{
				ToolCalls: []PlannedCall{call("create_task", map[string]any{"title": title})},
				Reply:     fmt.Sprintf("I've added %q to your tasks.", title),
			}
		}
	}
	if m := deleteTaskPattern.FindStringSubmatch(text); len(m) == 2 {
		return Plan{
			ToolCalls: []PlannedCall{call("delete_task", map[string]any{"taskId": m[1]})},
			Reply:     fmt.Sprintf("Deleting task %s needs your confirmation.", m[1]),
		}
	}
	if m := completeTaskPattern.FindStringSubmatch(text); len(m) == 2 {
		return Plan{
			ToolCalls: []PlannedCall{call("update_task", map[string]any{"taskId": m[1], "status": "completed"})},
			Reply:     fmt.Sprintf("Nice work, task %s is marked complete.", m[1]),
		}
	}
	if listTasksPattern.MatchString(text) {
		return Plan{
			ToolCalls: []PlannedCall{call("list_tasks", map[string]any{})},
			Reply:     "Here are your tasks.",
		}
	}
	if analyzePattern.MatchString(text) {
		return Plan{
			ToolCalls: []PlannedCall{call("analyze_productivity", map[string]any{})},
			Reply:     "Here is how you have been doing.",
		}
	}
	return Plan{Reply: fmt.Sprintf("I heard you: %s", text)}
}

func call(name string, args map[string]any) PlannedCall {
	raw, _ := json.Marshal(args)
	return PlannedCall{Name: name, Arguments: raw}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
