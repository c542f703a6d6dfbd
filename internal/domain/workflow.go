// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// WorkflowTemplate is a named, categorized workflow. Its published snapshots
// live in WorkflowVersion rows; the template only tracks the latest number.
type WorkflowTemplate struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"index"`
	Category      string
	Description   string
	LatestVersion int
	Archived      bool
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (WorkflowTemplate) TableName() string { return "workflow_templates" }

// WorkflowVersion is an immutable published snapshot of a template's
// definition. Version numbers are monotonically increasing per template.
type WorkflowVersion struct {
	ID          string             `gorm:"primaryKey"`
	WorkflowID  string             `gorm:"index:idx_workflow_versions_wf_number,unique"`
	Number      int                `gorm:"index:idx_workflow_versions_wf_number,unique"`
	Definition  WorkflowDefinition `gorm:"serializer:json"`
	Lookups     []LookupTable      `gorm:"serializer:json"`
	PublishedBy UserRef            `gorm:"serializer:json"`
	PublishedAt time.Time
}

func (WorkflowVersion) TableName() string { return "workflow_versions" }

// WorkflowDefinition is the directed graph an instance traverses: an ordered
// collection of step definitions and an ordered collection of transitions.
type WorkflowDefinition struct {
	StartStepID string           `json:"start_step_id"`
	Steps       []StepDefinition `json:"steps"`
	Transitions []Transition     `json:"transitions"`
}

// StepByID returns the step definition with the given id, or nil.
func (d *WorkflowDefinition) StepByID(stepID string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].StepID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepDefinition describes one node of the graph. Exactly one of the
// per-kind config fields matching StepType is set.
type StepDefinition struct {
	StepID     string   `json:"step_id"`
	StepName   string   `json:"step_name"`
	StepType   StepType `json:"step_type"`
	IsTerminal bool     `json:"is_terminal,omitempty"`
	SLA        *SLA     `json:"sla,omitempty"`

	Form        *FormConfig        `json:"form,omitempty"`
	Approval    *ApprovalConfig    `json:"approval,omitempty"`
	Task        *TaskConfig        `json:"task,omitempty"`
	Notify      *NotifyConfig      `json:"notify,omitempty"`
	Fork        *ForkConfig        `json:"fork,omitempty"`
	Join        *JoinConfig        `json:"join,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty"`
}

// SLA declares the step's due window.
type SLA struct {
	DueMinutes int `json:"due_minutes"`
}

// FormConfig is the field set of a FORM_STEP.
type FormConfig struct {
	Sections []FormSection     `json:"sections,omitempty"`
	Fields   []FieldDefinition `json:"fields"`
}

// FormSection groups fields; a repeating section produces an ordered list of
// row maps under its key in form_values.
type FormSection struct {
	Key       string `json:"key"`
	Title     string `json:"title,omitempty"`
	Repeating bool   `json:"repeating,omitempty"`
}

// FieldDefinition declares one form field with its static validation and any
// conditional requirement keyed off other field values.
type FieldDefinition struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Type     string `json:"type,omitempty"` // text, number, date, select, ...
	Section  string `json:"section,omitempty"`
	Required bool   `json:"required,omitempty"`

	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	// DateMin/DateMax bound date fields, RFC 3339 dates.
	DateMin string `json:"date_min,omitempty"`
	DateMax string `json:"date_max,omitempty"`

	// RequiredWhen makes the field required only when the group evaluates
	// true against the submitted values.
	RequiredWhen *ConditionGroup `json:"required_when,omitempty"`
}

// ApprovalConfig declares how an APPROVAL_STEP resolves its approver(s).
type ApprovalConfig struct {
	Mode ApproverMode `json:"mode"`

	SpecificEmail string `json:"specific_email,omitempty"`
	SpecificName  string `json:"specific_name,omitempty"`
	SpocEmail     string `json:"spoc_email,omitempty"`
	SpocName      string `json:"spoc_name,omitempty"`

	// Rules route CONDITIONAL mode; evaluated in declaration order.
	Rules         []ConditionalApproverRule `json:"rules,omitempty"`
	FallbackEmail string                    `json:"fallback_email,omitempty"`
	FallbackName  string                    `json:"fallback_name,omitempty"`

	// StepAssigneeStepID names the earlier step whose assignee approves
	// in STEP_ASSIGNEE mode.
	StepAssigneeStepID string `json:"step_assignee_step_id,omitempty"`

	// Lookup binds FROM_LOOKUP mode to a table and the form field keying it.
	Lookup *LookupBinding `json:"lookup,omitempty"`

	// Parallel, when set, turns the step into a parallel approval.
	Parallel *ParallelConfig `json:"parallel,omitempty"`
}

// ConditionalApproverRule is one entry of a CONDITIONAL approver rule list.
type ConditionalApproverRule struct {
	Condition ConditionGroup `json:"condition"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
}

// LookupBinding keys a lookup table by a form field value.
type LookupBinding struct {
	TableName string `json:"table_name"`
	FieldKey  string `json:"field_key"`
}

// ParallelConfig declares a parallel approver set.
type ParallelConfig struct {
	Rule      ParallelRule `json:"rule"`
	Approvers []UserRef    `json:"approvers"`
	// PrimaryEmail designates the responsible owner among the set; when
	// empty the first approver is primary.
	PrimaryEmail string `json:"primary_email,omitempty"`
	// Fallbacks is the chain consulted when the set resolves empty.
	Fallbacks []UserRef `json:"fallbacks,omitempty"`
}

// TaskConfig declares a TASK_STEP.
type TaskConfig struct {
	Instructions string            `json:"instructions,omitempty"`
	OutputFields []FieldDefinition `json:"output_fields,omitempty"`
	// LinkedSection pre-populates one task row per source row of a
	// repeating section in an earlier form step.
	LinkedSection *LinkedSectionRef `json:"linked_section,omitempty"`
}

// LinkedSectionRef points a task at a repeating section of a form step.
type LinkedSectionRef struct {
	FormStepID string `json:"form_step_id"`
	SectionKey string `json:"section_key"`
}

// NotifyConfig declares a NOTIFY_STEP.
type NotifyConfig struct {
	Recipients  []RecipientKind `json:"recipients"`
	TemplateKey string          `json:"template_key"`
}

// ForkConfig declares a FORK_STEP with its ordered branches.
type ForkConfig struct {
	Branches      []BranchDefinition `json:"branches"`
	FailurePolicy FailurePolicy      `json:"failure_policy"`
}

// BranchDefinition is one parallel path rooted at StartStepID.
type BranchDefinition struct {
	BranchID    string `json:"branch_id"`
	BranchName  string `json:"branch_name"`
	StartStepID string `json:"start_step_id"`
}

// JoinConfig declares a JOIN_STEP bound to its source fork.
type JoinConfig struct {
	ForkStepID string   `json:"fork_step_id"`
	JoinMode   JoinMode `json:"join_mode"`
}

// SubWorkflowConfig references another published workflow version expanded
// inline at activation.
type SubWorkflowConfig struct {
	WorkflowID string `json:"workflow_id"`
	// VersionNumber pins the expansion; 0 means latest published.
	VersionNumber int `json:"version_number,omitempty"`
}

// Transition is one directed edge: (from, event) -> to, optionally gated by
// a condition group. When several candidates are satisfied the highest
// priority wins; ties break by declaration order.
type Transition struct {
	FromStepID string          `json:"from_step_id"`
	OnEvent    EventType       `json:"on_event"`
	ToStepID   string          `json:"to_step_id"`
	Condition  *ConditionGroup `json:"condition,omitempty"`
	Priority   int             `json:"priority,omitempty"`
}

// ConditionOperator is the closed operator set of the condition DSL.
type ConditionOperator string

const (
	OpEquals              ConditionOperator = "EQUALS"
	OpNotEquals           ConditionOperator = "NOT_EQUALS"
	OpGreaterThan         ConditionOperator = "GREATER_THAN"
	OpLessThan            ConditionOperator = "LESS_THAN"
	OpGreaterThanOrEquals ConditionOperator = "GREATER_THAN_OR_EQUALS"
	OpLessThanOrEquals    ConditionOperator = "LESS_THAN_OR_EQUALS"
	OpContains            ConditionOperator = "CONTAINS"
	OpNotContains         ConditionOperator = "NOT_CONTAINS"
	OpIn                  ConditionOperator = "IN"
	OpNotIn               ConditionOperator = "NOT_IN"
	OpIsEmpty             ConditionOperator = "IS_EMPTY"
	OpIsNotEmpty          ConditionOperator = "IS_NOT_EMPTY"
)

// GroupLogic combines conditions within a group.
type GroupLogic string

const (
	LogicAnd GroupLogic = "AND"
	LogicOr  GroupLogic = "OR"
)

// Condition is one comparison over a dot-notation field path.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// ConditionGroup is a tree of comparisons joined by AND (default) or OR.
type ConditionGroup struct {
	Logic      GroupLogic       `json:"logic,omitempty"`
	Conditions []Condition      `json:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// LookupTable is a workflow-bound named table joining a form field value to
// a primary user plus secondary users notified alongside.
type LookupTable struct {
	Name    string        `json:"name"`
	Entries []LookupEntry `json:"entries"`
}

// LookupEntry is one row of a lookup table.
type LookupEntry struct {
	Key       string    `json:"key"`
	Primary   UserRef   `json:"primary"`
	Secondary []UserRef `json:"secondary,omitempty"`
}
