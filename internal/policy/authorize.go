package policy

import "strings"

// Verdict is the router's decision for a single tool call.
type Verdict string

const (
	VerdictExecute Verdict = "execute"
	VerdictDefer   Verdict = "defer"
)

type Decision struct {
	Verdict Verdict
	Reason  string
}

func (d Decision) Execute() bool { return d.Verdict == VerdictExecute }

// Classify decides whether an action runs immediately or waits for the user's consent.
// It depends only on the action's name and the completeness of its arguments.
func Classify(action Action) Decision {
	switch a := action.(type) {
	case CreateTask:
		if strings.TrimSpace(a.Title) == "" {
			return Decision{Verdict: VerdictDefer, Reason: "create_task without a title needs confirmation"}
		}
		return Decision{Verdict: VerdictExecute, Reason: "create_task has a title"}
	case UpdateTask:
		if strings.TrimSpace(a.TaskID) == "" {
			return Decision{Verdict: VerdictDefer, Reason: "update_task without a target id needs confirmation"}
		}
		return Decision{Verdict: VerdictExecute, Reason: "update_task targets a known id"}
	case DeleteTask:
		return Decision{Verdict: VerdictDefer, Reason: "delete_task always needs confirmation"}
	case ListTasks:
		return Decision{Verdict: VerdictExecute, Reason: "list_tasks is read-only"}
	case AnalyzeProductivity:
		return Decision{Verdict: VerdictExecute, Reason: "analyze_productivity is read-only"}
	default:
		return Decision{Verdict: VerdictDefer, Reason: "unrecognized action needs confirmation"}
	}
}
