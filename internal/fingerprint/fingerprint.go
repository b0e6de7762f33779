// Package fingerprint derives a stable identity for a logical request.
//
// Two validation calls with the same fingerprint describe the same request
// for idempotency purposes, independent of the client-supplied request id.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// The key is versioned, not secret: it exists so every instance derives
// identical fingerprints for identical inputs.
const fingerprintKey = "request_fingerprint_v1"

// UsageEstimate carries the client's declared workload estimate. All fields
// are optional; at least one must be set for the estimate to be meaningful.
type UsageEstimate struct {
	InputChars      *int64  `json:"input_chars"`
	MaxOutputTokens *int64  `json:"max_output_tokens"`
	Model           *string `json:"model"`
}

// Empty reports whether no field of the estimate is populated.
func (e *UsageEstimate) Empty() bool {
	return e == nil || (e.InputChars == nil && e.MaxOutputTokens == nil && e.Model == nil)
}

// canonical mirrors the fingerprint input with fields in sorted-key order so
// the JSON encoding is deterministic.
type canonical struct {
	Endpoint      string         `json:"endpoint"`
	FeatureKey    string         `json:"feature_key"`
	Method        string         `json:"method"`
	PayloadHash   string         `json:"payload_hash"`
	UsageEstimate *UsageEstimate `json:"usage_estimate"`
}

// Compute returns the hex HMAC-SHA256 fingerprint over the normalized
// request identity: endpoint, method, payload hash, usage estimate and
// feature key.
func Compute(endpoint, method, payloadHash, featureKey string, estimate *UsageEstimate) string {
	data := canonical{
		Endpoint:    strings.ToLower(strings.TrimSpace(endpoint)),
		FeatureKey:  strings.TrimSpace(featureKey),
		Method:      strings.ToUpper(strings.TrimSpace(method)),
		PayloadHash: payloadHash,
	}
	if !estimate.Empty() {
		data.UsageEstimate = estimate
	}

	// canonical has no values encoding/json can fail on
	raw, _ := json.Marshal(data)

	mac := hmac.New(sha256.New, []byte(fingerprintKey))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
