package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Pseudonymizer maps patient identifiers to stable keyed references so the
// trail can be correlated without storing the identifier itself.
type Pseudonymizer struct {
	key []byte
}

func NewPseudonymizer(key string) *Pseudonymizer {
	return &Pseudonymizer{key: []byte(key)}
}

// Ref returns the HMAC-SHA256 of the trimmed identifier, or "" for none.
func (p *Pseudonymizer) Ref(patientID string) string {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(patientID))
	return hex.EncodeToString(mac.Sum(nil))
}
