package domain

import (
	"strings"
	"time"
)

// RunStatus is the derived state of a research campaign.
type RunStatus string

const (
	RunStatusSearching RunStatus = "searching"
	RunStatusCalling   RunStatus = "calling"
	RunStatusCompleted RunStatus = "completed"
)

// Run is one research campaign: many parallel calls sharing one script.
// Status is derived: completed iff every owned call is terminal.
type Run struct {
	ID        string    `json:"id" gorm:"column:id;primaryKey"`
	Query     string    `json:"query" gorm:"column:query"`
	CreatedBy string    `json:"createdBy" gorm:"column:created_by"`
	StartedAt time.Time `json:"startedAt" gorm:"column:started_at"`
	Status    RunStatus `json:"status" gorm:"column:status"`
	Prep      CallPrep  `json:"prep" gorm:"column:prep;serializer:json"`
	CallIDs   []string  `json:"callIds" gorm:"column:call_ids;serializer:json"`
	Calls     []*Call   `json:"calls" gorm:"-"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

func (Run) TableName() string {
	return "runs"
}

// DeriveStatus recomputes the run status from its calls. A run with no calls
// stays in its current pre-calling state.
func (r *Run) DeriveStatus() RunStatus {
	if len(r.Calls) == 0 {
		if r.Status == "" {
			return RunStatusSearching
		}
		return r.Status
	}
	for _, c := range r.Calls {
		if !c.State.Terminal() {
			return RunStatusCalling
		}
	}
	return RunStatusCompleted
}

// CallPrep is the script configuration supplied once at run creation and
// read-only for the run's lifetime. It becomes the generator's system
// directive and the opening line of every call.
type CallPrep struct {
	Objective        string            `json:"objective"`
	Script           string            `json:"script"`
	Variables        map[string]string `json:"variables,omitempty"`
	RedFlags         []string          `json:"redFlags,omitempty"`
	DisallowedTopics []string          `json:"disallowedTopics,omitempty"`
}

// OpeningLine returns the first script line with {variable} placeholders
// substituted, falling back to a generic objective-based greeting when the
// script is empty.
func (p CallPrep) OpeningLine(leadName string) string {
	line := ""
	for _, l := range strings.Split(p.Script, "\n") {
		if trimmed := strings.TrimSpace(l); trimmed != "" {
			line = trimmed
			break
		}
	}
	if line == "" {
		line = "Hi! I'm calling to ask a quick question about " + p.Objective + ". Do you have a moment?"
	}
	return p.substitute(line, leadName)
}

func (p CallPrep) substitute(line, leadName string) string {
	for key, value := range p.Variables {
		line = strings.ReplaceAll(line, "{"+key+"}", value)
	}
	line = strings.ReplaceAll(line, "{business_name}", leadName)
	return line
}
