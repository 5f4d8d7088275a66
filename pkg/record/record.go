// Package record defines the canonical record contract shared by the YELLOW
// screener and the merger, plus the whitespace-normalized content hash that
// serves as the dedupe key.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// License identifies the record-level license.
type License struct {
	SPDX    string `json:"spdx"`
	Profile string `json:"profile"`
}

// Routing drives downstream sharding and domain screener selection.
type Routing struct {
	Subject     string `json:"subject,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Category    string `json:"category,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

// Source attributes a record to the target it was acquired from.
type Source struct {
	TargetID       string    `json:"target_id"`
	URL            string    `json:"url,omitempty"`
	RetrievedAtUTC time.Time `json:"retrieved_at_utc"`
	ContentType    string    `json:"content_type,omitempty"`
	Publisher      string    `json:"publisher,omitempty"`
}

// Hash carries the content hash over the whitespace-normalized text.
type Hash struct {
	ContentSHA256 string `json:"content_sha256"`
}

// Canonical is the unit of downstream training. Meta is opaque passthrough
// for per-domain metadata.
type Canonical struct {
	RecordID string          `json:"record_id"`
	Text     string          `json:"text"`
	License  License         `json:"license"`
	Routing  Routing         `json:"routing"`
	Source   Source          `json:"source"`
	Hash     Hash            `json:"hash"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// NormalizeWhitespace collapses all runs of Unicode whitespace to single
// spaces and trims the ends. The normalized form, not the raw text, is what
// gets hashed, so cosmetic whitespace differences never defeat dedupe.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash returns the hex SHA-256 of the whitespace-normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeWhitespace(text)))
	return hex.EncodeToString(sum[:])
}

// Stamp fills Hash from Text. Existing hashes are overwritten; the hash is
// always derived, never trusted from input.
func (c *Canonical) Stamp() {
	c.Hash.ContentSHA256 = ContentHash(c.Text)
}
