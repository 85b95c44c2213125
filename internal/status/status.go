// Package status derives user-visible document state from server truth.
//
// Expiry buckets are always computed from the server-reported expiry
// date at read time, never from queued-but-unconfirmed uploads, so the
// display can never present unconfirmed state as final. The same pure
// classification runs at flush-completion time and at startup.
package status

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/regdesk/regsync/internal/api"
)

// State is the expiry bucket of a document.
type State string

const (
	// StateValid means the document has no expiry or expires in more
	// than seven days.
	StateValid State = "valid"
	// StateExpiring means the document expires within seven days.
	StateExpiring State = "expiring"
	// StateExpired means the expiry date has passed.
	StateExpired State = "expired"
)

// expiringWindowDays is the inclusive "renew soon" horizon.
const expiringWindowDays = 7

// Classify buckets a document by its expiry date.
//
// daysUntilExpiry = ceil((expiry − now) / 24h); < 0 is expired, 0..7
// inclusive is expiring, anything later is valid. A nil expiry is always
// valid and hasDays is false: no day count is reported.
func Classify(expiry *time.Time, now time.Time) (state State, daysUntilExpiry int, hasDays bool) {
	if expiry == nil {
		return StateValid, 0, false
	}

	days := int(math.Ceil(expiry.Sub(now).Hours() / 24))
	switch {
	case days < 0:
		return StateExpired, days, true
	case days <= expiringWindowDays:
		return StateExpiring, days, true
	default:
		return StateValid, days, true
	}
}

// DocumentStatus is one classified document for display.
type DocumentStatus struct {
	DocumentType    string
	Filename        string
	State           State
	DaysUntilExpiry int
	// HasExpiry is false for documents without an expiry date; their
	// DaysUntilExpiry is meaningless.
	HasExpiry bool
}

// DocumentFetcher reads the authoritative document list.
// Satisfied by *api.Client.
type DocumentFetcher interface {
	Documents(ctx context.Context) ([]api.Document, error)
}

// Reconciler recomputes document statuses from server truth.
type Reconciler struct {
	fetcher DocumentFetcher

	// now is replaceable for tests.
	now func() time.Time
}

// NewReconciler creates a Reconciler over the given fetcher.
func NewReconciler(fetcher DocumentFetcher) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		now:     time.Now,
	}
}

// Refresh fetches the authoritative document list and classifies every
// document. Invoked after a successful flush and on demand.
func (r *Reconciler) Refresh(ctx context.Context) ([]DocumentStatus, error) {
	docs, err := r.fetcher.Documents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh document status: %w", err)
	}

	now := r.now()
	statuses := make([]DocumentStatus, 0, len(docs))
	for _, doc := range docs {
		state, days, hasDays := Classify(doc.ExpiryDate, now)
		statuses = append(statuses, DocumentStatus{
			DocumentType:    doc.DocumentType,
			Filename:        doc.Filename,
			State:           state,
			DaysUntilExpiry: days,
			HasExpiry:       hasDays,
		})
	}

	return statuses, nil
}
