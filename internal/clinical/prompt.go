package clinical

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

// PromptTemplateVersion changes whenever prompt_template.txt changes.
const PromptTemplateVersion = "2025-05.2"

const placeholder = "{json_data_placeholder}"

//go:embed prompt_template.txt
var promptTemplate string

// BuildPrompt renders the document into the instruction template. The
// template is the same whatever categories are present.
func BuildPrompt(doc Document) (string, error) {
	if strings.Count(promptTemplate, placeholder) != 1 {
		return "", fmt.Errorf("prompt template %s must contain exactly one %s", PromptTemplateVersion, placeholder)
	}

	serialized, err := Serialize(doc)
	if err != nil {
		return "", err
	}

	return strings.Replace(promptTemplate, placeholder, serialized, 1), nil
}

// canonicalDocument fixes the top-level key order; payloads are decoded
// into generic values so nested object keys come out sorted.
type canonicalDocument struct {
	MedicalHistory any `json:"medical_history"`
	ExamResults    any `json:"exam_results"`
	LabResults     any `json:"lab_results"`
}

// Serialize renders the document as indented JSON with a stable key order.
// Non-ASCII text and HTML characters are written as-is.
func Serialize(doc Document) (string, error) {
	var canonical canonicalDocument
	var err error

	if canonical.MedicalHistory, err = decodePayload(doc.MedicalHistory); err != nil {
		return "", fmt.Errorf("failed to decode medical_history: %w", err)
	}
	if canonical.ExamResults, err = decodePayload(doc.ExamResults); err != nil {
		return "", fmt.Errorf("failed to decode exam_results: %w", err)
	}
	if canonical.LabResults, err = decodePayload(doc.LabResults); err != nil {
		return "", fmt.Errorf("failed to decode lab_results: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(canonical); err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// decodePayload keeps numbers exact by decoding them as json.Number.
func decodePayload(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
