package domain

import "time"

// ScheduleExpression is the value of a `schedule` event key. It is either a bare
// string ("rate(5 minutes)") or an object whose rate field carries the string.
// For objects, Raw holds the source text of the whole value.
type ScheduleExpression struct {
	Raw      string
	Rate     string
	IsObject bool
}

func (e ScheduleExpression) String() string {
	if e.IsObject {
		return e.Rate
	}
	return e.Raw
}

// Text is the value reported when the expression is rejected.
func (e ScheduleExpression) Text() string {
	if s := e.String(); s != "" {
		return s
	}
	return e.Raw
}

type Event struct {
	Schedule *ScheduleExpression
}

type Function struct {
	ID          string
	Handler     string
	Events      []Event
	Environment map[string]string
}

// JobSpec is the schedulable form of one function. CronExpressions never holds an
// invalid entry.
type JobSpec struct {
	FunctionID      string
	CronExpressions []string
	ModuleName      string
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

type Invocation struct {
	ID         string
	FunctionID string
	CronExpr   string
	Trigger    string
	State      string
	Error      string
	Result     []byte
	StartedAt  time.Time
	FinishedAt *time.Time
}
