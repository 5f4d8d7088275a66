// Package faults defines the error taxonomy shared by every corpusvet stage.
//
// Faults carry a Kind so callers can map outcomes without string matching:
// recoverable kinds (Evidence, Network, Signoff) are recorded in ledgers and
// the run continues; abort kinds (Config, Policy, Dedupe, Resource) halt the
// stage and surface as a non-zero exit code.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes a fault.
type Kind string

const (
	KindConfig    Kind = "config"    // schema or denylist invariant broken
	KindPolicy    Kind = "policy"    // unknown strategy, strict-mode SPDX refusal
	KindEvidence  Kind = "evidence"  // fetch failure, SSRF block, extraction failure
	KindNetwork   Kind = "network"   // transient HTTP/FTP, retries exhausted
	KindIntegrity Kind = "integrity" // checksum mismatch, oversize, content-type deny
	KindSignoff   Kind = "signoff"   // missing, rejected, or stale signoff
	KindDedupe    Kind = "dedupe"    // bucket index corruption
	KindResource  Kind = "resource"  // disk full, permission denied
	KindPreflight Kind = "preflight" // registry gap, missing tool, unwritable root
)

// Fault is a kinded error with a stable machine-readable reason.
type Fault struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "evidence.fetch"
	Reason string // stable reason token for ledgers, e.g. "signoff_stale"
	Err    error  // wrapped cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// New constructs a Fault.
func New(kind Kind, op, reason string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Reason: reason, Err: err}
}

func Config(op, reason string, err error) *Fault    { return New(KindConfig, op, reason, err) }
func Policy(op, reason string, err error) *Fault    { return New(KindPolicy, op, reason, err) }
func Evidence(op, reason string, err error) *Fault  { return New(KindEvidence, op, reason, err) }
func Network(op, reason string, err error) *Fault   { return New(KindNetwork, op, reason, err) }
func Integrity(op, reason string, err error) *Fault { return New(KindIntegrity, op, reason, err) }
func Signoff(op, reason string, err error) *Fault   { return New(KindSignoff, op, reason, err) }
func Dedupe(op, reason string, err error) *Fault    { return New(KindDedupe, op, reason, err) }
func Resource(op, reason string, err error) *Fault  { return New(KindResource, op, reason, err) }
func Preflight(op, reason string, err error) *Fault { return New(KindPreflight, op, reason, err) }

// KindOf returns the Kind of err, or "" if err is not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// ReasonOf returns the stable reason token of err, or "" if err is not a Fault.
func ReasonOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// Recoverable reports whether the fault leaves the run able to continue.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindEvidence, KindNetwork, KindIntegrity, KindSignoff:
		return true
	}
	return false
}

// Exit codes for the CLI surface.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitPreflight = 2
	ExitConfig    = 3
	ExitPolicy    = 4
)

// ExitCode maps an error to the CLI exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindPreflight:
		return ExitPreflight
	case KindConfig:
		return ExitConfig
	case KindPolicy:
		return ExitPolicy
	default:
		return ExitFailure
	}
}
