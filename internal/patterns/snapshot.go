package patterns

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ent0n29/taskmate/internal/tasks"
)

// Counts holds one counter per priority tier.
type Counts struct {
	Low    int64 `json:"low"`
	Medium int64 `json:"medium"`
	High   int64 `json:"high"`
}

func (c Counts) Get(p tasks.Priority) int64 {
	switch p {
	case tasks.PriorityLow:
		return c.Low
	case tasks.PriorityHigh:
		return c.High
	default:
		return c.Medium
	}
}

func (c *Counts) inc(p tasks.Priority) {
	switch p {
	case tasks.PriorityLow:
		c.Low++
	case tasks.PriorityHigh:
		c.High++
	default:
		c.Medium++
	}
}

func (c Counts) Total() int64 { return c.Low + c.Medium + c.High }

// Rates are completion percentages rounded to one decimal.
type Rates struct {
	Overall float64 `json:"overall"`
	Low     float64 `json:"low"`
	Medium  float64 `json:"medium"`
	High    float64 `json:"high"`
}

// Snapshot is a user's work pattern aggregate. It is only ever changed by
// folding in one event at a time.
type Snapshot struct {
	UserID         string         `json:"user_id"`
	Created        Counts         `json:"created"`
	Completed      Counts         `json:"completed"`
	WithDueDate    int64          `json:"with_due_date"`
	WithoutDueDate int64          `json:"without_due_date"`
	DaysToComplete RunningAverage `json:"days_to_complete"`
	Rates          Rates          `json:"completion_rates"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (s Snapshot) applyCreated(t tasks.Task) Snapshot {
	s.Created.inc(t.Priority)
	if t.HasDueDate() {
		s.WithDueDate++
	} else {
		s.WithoutDueDate++
	}
	s.Rates = computeRates(s.Created, s.Completed)
	return s
}

func (s Snapshot) applyCompleted(t tasks.Task) Snapshot {
	s.Completed.inc(t.Priority)
	if t.HasDueDate() {
		s.DaysToComplete = s.DaysToComplete.Add(DaysToComplete(t))
	}
	s.Rates = computeRates(s.Created, s.Completed)
	return s
}

// DaysToComplete is the task's creation-to-completion time in days.
func DaysToComplete(t tasks.Task) float64 {
	if t.CompletedAt == nil {
		return 0
	}
	d := t.CompletedAt.Sub(t.CreatedAt)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

func computeRates(created, completed Counts) Rates {
	return Rates{
		Overall: Rate(completed.Total(), created.Total()),
		Low:     Rate(completed.Low, created.Low),
		Medium:  Rate(completed.Medium, created.Medium),
		High:    Rate(completed.High, created.High),
	}
}

// Rate is completed/created as a percentage with one decimal, or 0 when nothing was created.
func Rate(completed, created int64) float64 {
	if created == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(created)*1000) / 10
}

// Summary renders the snapshot as short plain text for the agent.
func Summary(s Snapshot) string {
	if s.Created.Total() == 0 && s.Completed.Total() == 0 {
		return "No task history yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks created: %d (high %d, medium %d, low %d). ",
		s.Created.Total(), s.Created.High, s.Created.Medium, s.Created.Low)
	fmt.Fprintf(&b, "Completed: %d. Completion rate: %.1f%% (high %.1f%%, medium %.1f%%, low %.1f%%). ",
		s.Completed.Total(), s.Rates.Overall, s.Rates.High, s.Rates.Medium, s.Rates.Low)
	fmt.Fprintf(&b, "With due date: %d, without: %d.", s.WithDueDate, s.WithoutDueDate)
	if s.DaysToComplete.Count > 0 {
		fmt.Fprintf(&b, " Average days to complete a dated task: %.1f over %d tasks.",
			s.DaysToComplete.Mean, s.DaysToComplete.Count)
	}
	return b.String()
}
