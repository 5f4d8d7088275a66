// Package policy implements the immutable per-run policy store: license map,
// denylist, field schemas, and screening globals, flattened at load time into
// a Snapshot whose canonical hash is stamped into every artifact the run
// produces.
package policy

// Bucket is a compliance bucket.
type Bucket string

const (
	BucketGreen  Bucket = "GREEN"
	BucketYellow Bucket = "YELLOW"
	BucketRed    Bucket = "RED"
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	return b == BucketGreen || b == BucketYellow || b == BucketRed
}

// Pool is a license segregation pool. Pools keep payloads with incompatible
// license terms from ever sharing a directory.
type Pool string

const (
	PoolPermissive Pool = "permissive"
	PoolCopyleft   Pool = "copyleft"
	PoolQuarantine Pool = "quarantine"
)

// Profile is a declared license profile on a target.
type Profile string

const (
	ProfilePermissive  Profile = "permissive"
	ProfileCopyleft    Profile = "copyleft"
	ProfileRecordLevel Profile = "record_level"
	ProfileQuarantine  Profile = "quarantine"
	ProfileUnknown     Profile = "unknown"
)

// Severity is a denylist pattern severity.
type Severity string

const (
	SeverityHardRed     Severity = "hard_red"
	SeverityForceYellow Severity = "force_yellow"
)
