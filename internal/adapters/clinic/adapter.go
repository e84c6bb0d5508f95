package clinic

import (
	"context"
	"encoding/json"
)

// Adapter defines the interface to a clinic-management REST API.
// A token returned by Authenticate is only meant for the fetches of the
// same retrieval batch.
type Adapter interface {
	Authenticate(ctx context.Context, env Environment, creds Credentials) (Token, error)
	FetchRecords(ctx context.Context, env Environment, token Token, patientID string, category Category) (Envelope, error)
}

// Environment is one named deployment of the clinic API.
type Environment struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	APIBaseURL  string `json:"api_base_url"`
}

// Credentials are supplied per retrieval attempt and never kept.
type Credentials struct {
	Username string
	Password string
}

// Token is an opaque bearer token.
type Token string

// String keeps tokens out of logs and formatted errors.
func (t Token) String() string {
	if t == "" {
		return ""
	}
	return "[redacted]"
}

// Category is one of the three record categories.
type Category string

const (
	Consultations Category = "consultations"
	Exams         Category = "exams"
	Labs          Category = "labs"
)

// Categories lists every category in document order.
var Categories = []Category{Consultations, Exams, Labs}

// Selector returns the kpi-name the upstream API expects for the category.
func (c Category) Selector() string {
	switch c {
	case Consultations:
		return "medicalrecords"
	case Exams:
		return "exams"
	case Labs:
		return "labresults"
	default:
		return ""
	}
}

// Label is the human-readable category name used in notices.
func (c Category) Label() string {
	switch c {
	case Consultations:
		return "medical history"
	case Exams:
		return "exam results"
	case Labs:
		return "lab results"
	default:
		return string(c)
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c.Selector() != ""
}

// Envelope is a decoded record response: an object with a "data" object.
type Envelope struct {
	Category Category
	// Raw is the response body exactly as received.
	Raw  json.RawMessage
	Data map[string]json.RawMessage
}

// KPIs returns the category payload, or nil when the envelope has none.
func (e Envelope) KPIs() json.RawMessage {
	if e.Data == nil {
		return nil
	}
	return e.Data["kpis"]
}
