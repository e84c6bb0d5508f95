package clinical

import (
	"github.com/sugos/mrdash/internal/adapters/clinic"
)

// Gap is a category missing from the combined document.
type Gap struct {
	Category clinic.Category `json:"category"`
	Reason   string          `json:"reason"`
	// Err is the fetch failure, nil when the response lacked a payload.
	Err error `json:"-"`
}

// Consolidation is the output of Consolidate.
type Consolidation struct {
	Document Document
	Gaps     []Gap
}

// Consolidate merges the three category results into one document. It
// never fails: an unusable category becomes a null key and a Gap.
func Consolidate(consultations, exams, labs Result) Consolidation {
	var out Consolidation

	inputs := []struct {
		category clinic.Category
		result   Result
	}{
		{clinic.Consultations, consultations},
		{clinic.Exams, exams},
		{clinic.Labs, labs},
	}

	for _, in := range inputs {
		envelope, ok := in.result.Envelope()
		if !ok {
			reason := "not fetched"
			if err := in.result.Err(); err != nil {
				reason = err.Error()
			}
			out.Gaps = append(out.Gaps, Gap{Category: in.category, Reason: reason, Err: in.result.Err()})
			continue
		}

		kpis := envelope.KPIs()
		if isBlank(kpis) {
			out.Gaps = append(out.Gaps, Gap{Category: in.category, Reason: `response has no "data.kpis" records`})
			continue
		}

		out.Document.set(in.category, append([]byte(nil), kpis...))
	}

	return out
}
