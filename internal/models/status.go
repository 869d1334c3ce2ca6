package models

import "time"

// Group is the lifecycle phase a status belongs to.
type Group string

const (
	GroupDraft         Group = "draft"
	GroupInProgress    Group = "in_progress"
	GroupClosedSuccess Group = "closed_success"
	GroupClosedFail    Group = "closed_fail"
)

// Valid reports whether g is one of the known lifecycle groups.
func (g Group) Valid() bool {
	switch g {
	case GroupDraft, GroupInProgress, GroupClosedSuccess, GroupClosedFail:
		return true
	}
	return false
}

// Closed reports whether orders in this group are considered closed.
func (g Group) Closed() bool {
	return g == GroupClosedSuccess || g == GroupClosedFail
}

// Rank orders groups along the lifecycle for listing.
func (g Group) Rank() int {
	switch g {
	case GroupDraft:
		return 0
	case GroupInProgress:
		return 1
	case GroupClosedSuccess:
		return 2
	case GroupClosedFail:
		return 3
	}
	return 4
}

// StatusDefinition is a configured order status.
type StatusDefinition struct {
	Code      string       `json:"code" yaml:"code"`
	Name      string       `json:"name" yaml:"name"`
	Color     string       `json:"color,omitempty" yaml:"color"`
	Group     Group        `json:"group" yaml:"group"`
	Order     int          `json:"order" yaml:"order"`
	Actions   []ActionSpec `json:"actions" yaml:"actions"`
	System    bool         `json:"system" yaml:"system"`
	CreatedAt time.Time    `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time    `json:"updatedAt" yaml:"-"`
}

// OrderType groups orders and may restrict which statuses they can take.
type OrderType struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AllowedStatuses []string `json:"allowedStatuses,omitempty"`
}

// Allows reports whether the type permits the status code. An empty list allows everything.
func (t OrderType) Allows(code string) bool {
	if len(t.AllowedStatuses) == 0 {
		return true
	}
	for _, c := range t.AllowedStatuses {
		if c == code {
			return true
		}
	}
	return false
}
