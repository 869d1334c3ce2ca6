package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ActionType names a declarative side effect attached to a status.
type ActionType string

const (
	ActionCharge              ActionType = "charge"
	ActionCloseWithoutPayment ActionType = "closeWithoutPayment"
	ActionPayrollAccrual      ActionType = "payrollAccrual"
	ActionNotify              ActionType = "notify"
	ActionPrint               ActionType = "print"
	// ActionStockIssue is never configured on a status; the transition service derives it.
	ActionStockIssue ActionType = "stockIssue"
)

var actionAliases = map[string]ActionType{
	"charge":                ActionCharge,
	"closewithoutpayment":   ActionCloseWithoutPayment,
	"close_without_payment": ActionCloseWithoutPayment,
	"close-without-payment": ActionCloseWithoutPayment,
	"payrollaccrual":        ActionPayrollAccrual,
	"payroll_accrual":       ActionPayrollAccrual,
	"payroll":               ActionPayrollAccrual,
	"notify":                ActionNotify,
	"notification":          ActionNotify,
	"print":                 ActionPrint,
	"stockissue":            ActionStockIssue,
	"stock_issue":           ActionStockIssue,
	"stock-issue":           ActionStockIssue,
}

// CanonicalActionType folds loose spellings onto the canonical type. Unknown names are returned as-is.
func CanonicalActionType(raw string) ActionType {
	key := strings.ToLower(strings.TrimSpace(raw))
	if t, ok := actionAliases[key]; ok {
		return t
	}
	return ActionType(strings.TrimSpace(raw))
}

// Known reports whether t is a type the processor can execute.
func (t ActionType) Known() bool {
	switch t {
	case ActionCharge, ActionCloseWithoutPayment, ActionPayrollAccrual, ActionNotify, ActionPrint, ActionStockIssue:
		return true
	}
	return false
}

// ActionSpec is one side effect. Only the fields relevant to Type are set.
type ActionSpec struct {
	Type ActionType `json:"type" yaml:"type"`

	// charge
	Amount         *float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	CashRegisterID string   `json:"cashRegisterId,omitempty" yaml:"cashRegisterId,omitempty"`

	// payrollAccrual
	Percent *float64 `json:"percent,omitempty" yaml:"percent,omitempty"`

	// notify and print
	TemplateID   string `json:"templateId,omitempty" yaml:"templateId,omitempty"`
	TemplateCode string `json:"templateCode,omitempty" yaml:"templateCode,omitempty"`

	// notify
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// Action returns a bare spec of the given type.
func Action(t ActionType) ActionSpec {
	return ActionSpec{Type: t}
}

// TemplateRef returns whichever template reference is set, preferring the id.
func (a ActionSpec) TemplateRef() string {
	if a.TemplateID != "" {
		return a.TemplateID
	}
	return a.TemplateCode
}

var (
	ErrActionUnknown         = errors.New("unknown action type")
	ErrActionMissingTemplate = errors.New("action requires a template reference")
	ErrActionMissingChannel  = errors.New("notify action requires a channel")
	ErrActionBadAmount       = errors.New("charge amount must be positive")
	ErrActionBadPercent      = errors.New("payroll percent must be between 0 and 1")
)

// Validate checks the type-specific fields.
func (a ActionSpec) Validate() error {
	if !a.Type.Known() {
		return fmt.Errorf("%w: %q", ErrActionUnknown, a.Type)
	}
	switch a.Type {
	case ActionCharge:
		if a.Amount != nil && *a.Amount <= 0 {
			return ErrActionBadAmount
		}
	case ActionPayrollAccrual:
		if a.Percent != nil && (*a.Percent < 0 || *a.Percent > 1) {
			return ErrActionBadPercent
		}
	case ActionNotify:
		if a.TemplateRef() == "" {
			return ErrActionMissingTemplate
		}
		if a.Channel == "" {
			return ErrActionMissingChannel
		}
	case ActionPrint:
		if a.TemplateRef() == "" {
			return ErrActionMissingTemplate
		}
	}
	return nil
}

// UnmarshalJSON accepts either a bare string ("charge") or an object with a type field.
func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*a = ActionSpec{Type: CanonicalActionType(name)}
		return nil
	}
	type plain ActionSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	p.Type = CanonicalActionType(string(p.Type))
	p.Channel = strings.ToLower(strings.TrimSpace(p.Channel))
	*a = ActionSpec(p)
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for seed files.
func (a *ActionSpec) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		*a = ActionSpec{Type: CanonicalActionType(name)}
		return nil
	}
	type plain ActionSpec
	var p plain
	if err := unmarshal(&p); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	p.Type = CanonicalActionType(string(p.Type))
	p.Channel = strings.ToLower(strings.TrimSpace(p.Channel))
	*a = ActionSpec(p)
	return nil
}

// NormalizeActions turns loosely typed entries (strings, maps, specs) into ActionSpecs.
// Entries that cannot be decoded at all are returned as rejects; entries with an unknown
// type are kept so the processor can skip them with a warning.
func NormalizeActions(raw []any) ([]ActionSpec, []string) {
	out := make([]ActionSpec, 0, len(raw))
	var rejects []string
	for _, entry := range raw {
		switch v := entry.(type) {
		case ActionSpec:
			v.Type = CanonicalActionType(string(v.Type))
			out = append(out, v)
		case string:
			out = append(out, ActionSpec{Type: CanonicalActionType(v)})
		case nil:
			rejects = append(rejects, "null entry")
		default:
			b, err := json.Marshal(v)
			if err != nil {
				rejects = append(rejects, fmt.Sprintf("%v", v))
				continue
			}
			var spec ActionSpec
			if err := json.Unmarshal(b, &spec); err != nil || spec.Type == "" {
				rejects = append(rejects, string(b))
				continue
			}
			out = append(out, spec)
		}
	}
	return out, rejects
}

// HasAction reports whether the list already contains an action of type t.
func HasAction(list []ActionSpec, t ActionType) bool {
	for _, a := range list {
		if a.Type == t {
			return true
		}
	}
	return false
}

// ActionTypes lists the types in order, for logging.
func ActionTypes(list []ActionSpec) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, string(a.Type))
	}
	return out
}
