package screen

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/record"
)

// Per-record pitch reasons, stable strings for the ledger.
const (
	ReasonRecordNotObject      = "record_not_object"
	ReasonTextMissing          = "text_missing"
	ReasonTextTooShort         = "text_too_short"
	ReasonTextTooLong          = "text_too_long"
	ReasonRecordLicenseMissing = "record_license_missing"
	ReasonRecordLicenseDenied  = "record_license_not_allowed"
	ReasonDenyPhrase           = "deny_phrase"
	ReasonSchemaInvalid        = "schema_invalid"
	ReasonDomainRejected       = "domain_rejected"
)

// Decision is the outcome of canonicalizing one record. A pitch is a value,
// not an error: the record is accounted for and the stream continues.
type Decision struct {
	Record *record.Canonical // nil when pitched
	Reason string            // "" when passed
}

func pitch(reason string) Decision { return Decision{Reason: reason} }

// canonicalizer holds the per-target view of the screening rules: global
// thresholds plus the target's allow_spdx override.
type canonicalizer struct {
	rules     policy.Screening
	allowSPDX []string
	row       *classify.QueueRow
	domain    DomainScreener
	validate  func(doc any) error
}

// Canonicalize turns one raw JSON line into a canonical record or a pitch.
// Steps run in the declared order so the first failing rule names the reason.
func (c *canonicalizer) Canonicalize(line []byte) Decision {
	var doc map[string]any
	if err := json.Unmarshal(line, &doc); err != nil {
		return pitch(ReasonRecordNotObject)
	}

	text := firstString(doc, c.rules.TextFieldCandidates)
	if strings.TrimSpace(text) == "" {
		return pitch(ReasonTextMissing)
	}
	n := len([]rune(text))
	if n < c.rules.MinChars {
		return pitch(ReasonTextTooShort)
	}
	if n > c.rules.MaxChars {
		return pitch(ReasonTextTooLong)
	}

	spdx := firstString(doc, c.rules.RecordLicenseFieldCandidates)
	if c.rules.RequireRecordLicense {
		if spdx == "" {
			return pitch(ReasonRecordLicenseMissing)
		}
		if !spdxAllowed(spdx, c.allowSPDX) {
			return pitch(ReasonRecordLicenseDenied)
		}
	}

	if phraseHit(text, c.rules.DenyPhrases) {
		return pitch(ReasonDenyPhrase)
	}
	for _, field := range c.rules.TextFieldCandidates {
		if v, ok := doc[field].(string); ok && v != text && phraseHit(v, c.rules.DenyPhrases) {
			return pitch(ReasonDenyPhrase)
		}
	}

	if c.validate != nil {
		if err := c.validate(doc); err != nil {
			return pitch(ReasonSchemaInvalid)
		}
	}
	if c.domain != nil {
		if reason := c.domain(doc, text); reason != "" {
			return pitch(ReasonDomainRejected + ":" + reason)
		}
	}

	rec := &record.Canonical{
		RecordID: recordID(doc),
		Text:     text,
	}
	rec.License.SPDX = spdx
	rec.License.Profile = string(c.row.LicenseProfile)
	rec.Routing = routingFrom(doc, c.row.Routing)
	rec.Source.TargetID = c.row.TargetID
	rec.Source.RetrievedAtUTC = sourceRetrievedAt(doc)
	rec.Meta = metaWithout(doc, c.rules.TextFieldCandidates)
	rec.Stamp()
	return Decision{Record: rec}
}

// firstString returns the first non-empty string among the candidate fields,
// in declared order.
func firstString(doc map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := doc[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func spdxAllowed(spdx string, allow []string) bool {
	for _, a := range allow {
		if strings.EqualFold(spdx, a) {
			return true
		}
	}
	return false
}

func phraseHit(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// recordID keeps a source-provided id when present, else mints one. Minted
// ids are stable only within a run; dedupe keys on the content hash, not the
// id.
func recordID(doc map[string]any) string {
	for _, f := range []string{"record_id", "id", "uid"} {
		if v, ok := doc[f].(string); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// routingFrom prefers routing already stamped on the record, falling back to
// the queue row field by field.
func routingFrom(doc map[string]any, fallback record.Routing) record.Routing {
	out := fallback
	routing, ok := doc["routing"].(map[string]any)
	if !ok {
		return out
	}
	if v, ok := routing["subject"].(string); ok && v != "" {
		out.Subject = v
	}
	if v, ok := routing["domain"].(string); ok && v != "" {
		out.Domain = v
	}
	if v, ok := routing["category"].(string); ok && v != "" {
		out.Category = v
	}
	if v, ok := routing["granularity"].(string); ok && v != "" {
		out.Granularity = v
	}
	return out
}

func sourceRetrievedAt(doc map[string]any) time.Time {
	if src, ok := doc["source"].(map[string]any); ok {
		if v, ok := src["retrieved_at_utc"].(string); ok && v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Now().UTC()
}

// metaWithout preserves the leftover source fields as opaque metadata,
// dropping the fields already promoted into the canonical envelope.
func metaWithout(doc map[string]any, textFields []string) json.RawMessage {
	drop := map[string]bool{"routing": true, "source": true}
	for _, f := range textFields {
		drop[f] = true
	}
	rest := make(map[string]any, len(doc))
	for k, v := range doc {
		if !drop[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil
	}
	data, err := json.Marshal(rest)
	if err != nil {
		return nil
	}
	return data
}
