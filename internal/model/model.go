package model

import (
	"fmt"
	"strings"
	"time"
)

// User is the account record stored in DynamoDB (or SQLite locally).
type User struct {
	UserID                string    `json:"user_id" dynamodbav:"user_id"` // IdP subject
	Email                 string    `json:"email" dynamodbav:"email"`
	DisplayName           string    `json:"display_name" dynamodbav:"display_name"`
	EncryptedRefreshToken string    `json:"-" dynamodbav:"encrypted_refresh_token"`
	CreatedAt             time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

// Credential is a short-lived access credential minted from the stored
// refresh token. It is never persisted.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"-"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// ValidAt reports whether the access token can still be used at now with
// margin to spare.
func (c *Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.Add(-margin).After(now)
}

// String never prints the tokens.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{expires_at=%s scopes=%s}", c.ExpiresAt.Format(time.RFC3339), strings.Join(c.Scopes, ","))
}

func (c Credential) GoString() string { return c.String() }

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one entry in the conversation log.
type Turn struct {
	Role    Role      `json:"role" dynamodbav:"role"`
	Content string    `json:"content" dynamodbav:"content"`
	At      time.Time `json:"at" dynamodbav:"at"`
}

// Conversation is the per-user log item.
type Conversation struct {
	UserID    string `json:"user_id" dynamodbav:"user_id"`
	Turns     []Turn `json:"turns" dynamodbav:"turns"`
	Version   int64  `json:"version" dynamodbav:"version"`
	ExpiresAt int64  `json:"expires_at" dynamodbav:"expires_at"` // TTL (Unix timestamp)
}

// EventTime carries exactly one of Date (all-day) or DateTime+TimeZone (timed).
type EventTime struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

func (t EventTime) IsAllDay() bool { return t.Date != "" && t.DateTime == "" }

// Event is a calendar event as observed from the provider.
type Event struct {
	ID               string     `json:"id"`
	Summary          string     `json:"summary"`
	Description      string     `json:"description,omitempty"`
	Location         string     `json:"location,omitempty"`
	Start            EventTime  `json:"start"`
	End              EventTime  `json:"end"`
	IsAllDay         bool       `json:"is_all_day"`
	RecurringEventID string     `json:"recurring_event_id,omitempty"`
	OriginalStart    *EventTime `json:"original_start,omitempty"`
	Recurrence       []string   `json:"recurrence,omitempty"`
	Status           string     `json:"status,omitempty"`
}

// IsInstance reports whether the event is an exploded occurrence of a series.
func (e *Event) IsInstance() bool { return e.RecurringEventID != "" }

// CreateRequest describes a new event. Times are naive or offset-bearing
// strings normalised against Zone.
type CreateRequest struct {
	Summary     *string  `json:"summary,omitempty"`
	Description *string  `json:"description,omitempty"`
	Location    *string  `json:"location,omitempty"`
	StartTime   *string  `json:"start_time,omitempty"`
	EndTime     *string  `json:"end_time,omitempty"`
	IsAllDay    *bool    `json:"is_all_day,omitempty"`
	Zone        *string  `json:"zone,omitempty"`
	Recurrence  []string `json:"recurrence,omitempty"`
}

// UpdateRequest has the same shape as CreateRequest. A nil field is left
// untouched on the stored event; a non-nil empty Recurrence clears the rules.
type UpdateRequest CreateRequest

// HasTimeFields reports whether any field of the time block is set.
func (u *UpdateRequest) HasTimeFields() bool {
	return u.StartTime != nil || u.EndTime != nil || u.IsAllDay != nil || u.Zone != nil
}

// Status is the outcome reported to the client for /process.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusPartialError        Status = "partial_error"
	StatusError               Status = "error"
	StatusClarificationNeeded Status = "clarification_needed"
	StatusInfo                Status = "info"
)

// DecisionKind tags a planner decision.
type DecisionKind int

const (
	DecisionClarify DecisionKind = iota + 1
	DecisionQuery
	DecisionPlan
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionClarify:
		return "clarify"
	case DecisionQuery:
		return "query"
	case DecisionPlan:
		return "plan"
	default:
		return "unknown"
	}
}

// TimeSelector is either a TimeMin/TimeMax pair or a single Date.
type TimeSelector struct {
	TimeMin string `json:"timeMin,omitempty"`
	TimeMax string `json:"timeMax,omitempty"`
	Date    string `json:"date,omitempty"`
}

// Decision is the model's reply for one planner round. Exactly one of the
// payload groups is meaningful, chosen by Kind.
type Decision struct {
	Kind DecisionKind

	Message string // clarify

	Selector TimeSelector // query
	Filter   string

	Actions []Action // plan, in emitted order
}

// Intent is derived from an action key prefix.
type Intent string

const (
	IntentCreate  Intent = "create"
	IntentChange  Intent = "change"
	IntentDelete  Intent = "delete"
	IntentUnknown Intent = "unknown"
)

// Action is one planned mutation.
type Action struct {
	Key  string
	Spec string
}

func (a Action) Intent() Intent {
	k := strings.ToLower(a.Key)
	switch {
	case strings.HasPrefix(k, "create_"):
		return IntentCreate
	case strings.HasPrefix(k, "change_"):
		return IntentChange
	case strings.HasPrefix(k, "delete_"):
		return IntentDelete
	default:
		return IntentUnknown
	}
}
