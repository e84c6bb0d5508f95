package clinical

import (
	"bytes"
	"encoding/json"

	"github.com/sugos/mrdash/internal/adapters/clinic"
)

// Document is the combined document handed to the summarizer. All three
// keys are always serialized; a missing category is null.
type Document struct {
	MedicalHistory json.RawMessage `json:"medical_history"`
	ExamResults    json.RawMessage `json:"exam_results"`
	LabResults     json.RawMessage `json:"lab_results"`
}

// Field returns the payload held for a category.
func (d Document) Field(category clinic.Category) json.RawMessage {
	switch category {
	case clinic.Consultations:
		return d.MedicalHistory
	case clinic.Exams:
		return d.ExamResults
	case clinic.Labs:
		return d.LabResults
	default:
		return nil
	}
}

func (d *Document) set(category clinic.Category, payload json.RawMessage) {
	switch category {
	case clinic.Consultations:
		d.MedicalHistory = payload
	case clinic.Exams:
		d.ExamResults = payload
	case clinic.Labs:
		d.LabResults = payload
	}
}

// Present lists the categories holding a payload, in document order.
func (d Document) Present() []clinic.Category {
	var present []clinic.Category
	for _, category := range clinic.Categories {
		if !isNull(d.Field(category)) {
			present = append(present, category)
		}
	}
	return present
}

// Empty reports whether the document has nothing to summarize.
func (d Document) Empty() bool {
	return len(d.Present()) == 0
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isBlank matches the payloads that carry no records: null, "", [] and {}.
func isBlank(raw json.RawMessage) bool {
	if isNull(raw) {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch value := v.(type) {
	case string:
		return value == ""
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	default:
		return false
	}
}
