package screen

import "sync"

// DomainScreener applies subject-specific record checks after the generic
// rules pass. It returns a short rejection reason, or "" to accept. Screeners
// must be pure functions of the record; they run concurrently across targets.
type DomainScreener func(doc map[string]any, text string) string

var (
	domainMu  sync.RWMutex
	screeners = map[string]DomainScreener{}
)

// RegisterDomain installs a screener for a routing subject. Later
// registrations replace earlier ones; registration is expected at init time.
func RegisterDomain(subject string, fn DomainScreener) {
	domainMu.Lock()
	defer domainMu.Unlock()
	screeners[subject] = fn
}

// DomainFor returns the screener for a subject, or nil when the subject has
// no extra checks.
func DomainFor(subject string) DomainScreener {
	domainMu.RLock()
	defer domainMu.RUnlock()
	return screeners[subject]
}
