package audit

import (
	"encoding/json"
	"errors"
	"time"
)

// Activity results.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// ErrMalformedProperties is returned when an activity payload is not a JSON object.
var ErrMalformedProperties = errors.New("audit: malformed properties")

// Properties is the structured payload attached to an activity. Values are
// limited to what JSON can carry: string, number, bool, nil, nested maps and lists.
type Properties map[string]any

// Activity is one audit record. Every field except ID and Signature is covered
// by the signature.
type Activity struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Event       string          `json:"event"`
	Description string          `json:"description"`
	Module      string          `json:"module"`
	UserID      *int64          `json:"user_id"`
	SubjectType string          `json:"subject_type,omitempty"`
	SubjectID   string          `json:"subject_id,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	IPAddress   string          `json:"ip_address,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	Result      string          `json:"result"`
	RiskLevel   int             `json:"risk_level"`
	Signature   string          `json:"signature,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Fields is the signed subset of an Activity. It doubles as the snapshot used
// for tamper detection.
type Fields struct {
	Type        string
	Event       string
	Description string
	Module      string
	UserID      *int64
	SubjectType string
	SubjectID   string
	Properties  json.RawMessage
	IPAddress   string
	UserAgent   string
	Result      string
	RiskLevel   int
	CreatedAt   time.Time
}

// Fields returns a copy of the signed fields.
func (a Activity) Fields() Fields {
	f := Fields{
		Type:        a.Type,
		Event:       a.Event,
		Description: a.Description,
		Module:      a.Module,
		SubjectType: a.SubjectType,
		SubjectID:   a.SubjectID,
		IPAddress:   a.IPAddress,
		UserAgent:   a.UserAgent,
		Result:      a.Result,
		RiskLevel:   a.RiskLevel,
		CreatedAt:   a.CreatedAt,
	}
	if a.UserID != nil {
		id := *a.UserID
		f.UserID = &id
	}
	if a.Properties != nil {
		f.Properties = append(json.RawMessage(nil), a.Properties...)
	}
	return f
}

// DecodeProperties parses the stored payload.
func (a Activity) DecodeProperties() (Properties, error) {
	if len(a.Properties) == 0 {
		return nil, nil
	}
	var p Properties
	if err := json.Unmarshal(a.Properties, &p); err != nil {
		return nil, errors.Join(ErrMalformedProperties, err)
	}
	return p, nil
}

// Failed reports whether the activity recorded a failed outcome.
func (a Activity) Failed() bool {
	return a.Result == ResultFailed
}

// Integrity statuses assigned to a single record during a check.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusMissingSignature
	statusUnchecked
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusMissingSignature:
		return "missing_signature"
	default:
		return "unchecked"
	}
}

// Report statuses.
const (
	ReportCompleted  = "completed"
	ReportIncomplete = "incomplete"
)
