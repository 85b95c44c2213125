package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/regdesk/regsync/internal/api"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	days := func(n int) *time.Time {
		d := now.Add(time.Duration(n) * 24 * time.Hour)
		return &d
	}

	tests := []struct {
		name     string
		expiry   *time.Time
		want     State
		wantDays int
		hasDays  bool
	}{
		{"ten days out is valid", days(10), StateValid, 10, true},
		{"three days out is expiring", days(3), StateExpiring, 3, true},
		{"seven days out is expiring", days(7), StateExpiring, 7, true},
		{"eight days out is valid", days(8), StateValid, 8, true},
		{"expires today", days(0), StateExpiring, 0, true},
		{"yesterday is expired", days(-1), StateExpired, -1, true},
		{"no expiry is always valid", nil, StateValid, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, gotDays, hasDays := Classify(tt.expiry, now)
			if state != tt.want {
				t.Errorf("expected %s, got %s", tt.want, state)
			}
			if hasDays != tt.hasDays {
				t.Errorf("expected hasDays=%v, got %v", tt.hasDays, hasDays)
			}
			if hasDays && gotDays != tt.wantDays {
				t.Errorf("expected %d days, got %d", tt.wantDays, gotDays)
			}
		})
	}
}

func TestClassifyPartialDayRoundsUp(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(36 * time.Hour) // a day and a half away

	state, days, _ := Classify(&expiry, now)
	if days != 2 {
		t.Errorf("expected ceil to 2 days, got %d", days)
	}
	if state != StateExpiring {
		t.Errorf("expected expiring, got %s", state)
	}
}

// fakeFetcher returns a scripted document list.
type fakeFetcher struct {
	docs []api.Document
	err  error
}

func (f *fakeFetcher) Documents(ctx context.Context) ([]api.Document, error) {
	return f.docs, f.err
}

func TestRefresh(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	in3 := now.Add(3 * 24 * time.Hour)
	ago := now.Add(-24 * time.Hour)

	fetcher := &fakeFetcher{docs: []api.Document{
		{DocumentType: "passport", Filename: "p.pdf", ExpiryDate: &in3},
		{DocumentType: "utility_bill", Filename: "bill.png", ExpiryDate: nil},
		{DocumentType: "tax_clearance", Filename: "tax.pdf", ExpiryDate: &ago},
	}}

	rec := NewReconciler(fetcher)
	rec.now = func() time.Time { return now }

	statuses, err := rec.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}

	if statuses[0].State != StateExpiring || statuses[0].DaysUntilExpiry != 3 {
		t.Errorf("passport: %+v", statuses[0])
	}
	if statuses[1].State != StateValid || statuses[1].HasExpiry {
		t.Errorf("utility bill: %+v", statuses[1])
	}
	if statuses[2].State != StateExpired {
		t.Errorf("tax clearance: %+v", statuses[2])
	}
}

func TestRefreshPropagatesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: api.ErrNetworkFailure}
	rec := NewReconciler(fetcher)

	if _, err := rec.Refresh(context.Background()); !errors.Is(err, api.ErrNetworkFailure) {
		t.Errorf("expected ErrNetworkFailure, got %v", err)
	}
}
