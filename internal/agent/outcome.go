package agent

import "github.com/haasonsaas/donna/pkg/models"

// Outcome is the terminal or pausing result of one agent turn.
type Outcome interface {
	outcome()
	// Summary is the human-readable text a channel delivers for this outcome.
	Summary() string
}

// Done is a plain final answer.
type Done struct {
	Text string
}

// Script reports a one-off program that was written and executed.
type Script struct {
	Code   string
	Output string
	Error  string
	Text   string
}

// WorkflowSaved reports a program stored as a recurring or event-triggered
// workflow.
type WorkflowSaved struct {
	ID          string
	Name        string
	CronExpr    string
	EventPlugin string
	EventAction string
	Text        string
}

// NeedsInput reports a turn parked at a human-input boundary. Continuation
// carries the exact transcript to replay on resume.
type NeedsInput struct {
	Question     string
	ToolCallID   string
	ToolName     string
	Continuation *models.Continuation
}

func (Done) outcome()          {}
func (Script) outcome()        {}
func (WorkflowSaved) outcome() {}
func (NeedsInput) outcome()    {}

func (o Done) Summary() string { return o.Text }

func (o Script) Summary() string {
	if o.Text != "" {
		return o.Text
	}
	if o.Error != "" {
		return "I ran the program but it failed: " + o.Error
	}
	if o.Output != "" {
		return "Done. Output:\n" + o.Output
	}
	return "Done."
}

func (o WorkflowSaved) Summary() string {
	if o.Text != "" {
		return o.Text
	}
	if o.CronExpr != "" {
		return "Saved workflow " + o.Name + " on schedule " + o.CronExpr + "."
	}
	if o.EventPlugin != "" {
		return "Saved workflow " + o.Name + " triggered by " + o.EventPlugin + "." + o.EventAction + "."
	}
	return "Saved workflow " + o.Name + "."
}

func (o NeedsInput) Summary() string { return o.Question }
