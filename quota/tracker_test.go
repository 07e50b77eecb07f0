package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
)

// fakeRemote scripts the usage endpoints.
type fakeRemote struct {
	fetchSnap    *remote.UsageSnapshot
	fetchErr     error
	attemptSnap  *remote.UsageSnapshot
	attemptErr   error
	fetchCalls   int
	attemptCalls int
}

func (f *fakeRemote) FetchUsage(ctx context.Context) (*remote.UsageSnapshot, error) {
	f.fetchCalls++
	return f.fetchSnap, f.fetchErr
}

func (f *fakeRemote) RecordUsageAttempt(ctx context.Context) (*remote.UsageSnapshot, error) {
	f.attemptCalls++
	return f.attemptSnap, f.attemptErr
}

type fakeConn struct{ connected bool }

func (f *fakeConn) IsConnected() bool { return f.connected }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.Dir = t.TempDir()
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

const testDate = "2026-08-30"

func newTestTracker(t *testing.T, st *store.Store, rc UsageRemote, conn ConnectivityChecker) *Tracker {
	t.Helper()

	tr := NewTracker(st, rc, conn, testLogger())
	tr.now = func() time.Time {
		ts, _ := time.Parse("2006-01-02", testDate)
		return ts
	}
	return tr
}

// cacheSubscription stores a plan with the given allowance.
func cacheSubscription(t *testing.T, st *store.Store, allowance *int) {
	t.Helper()

	err := st.ReplaceSubscription(&store.SubscriptionSnapshot{
		PlanID:         "free",
		PlanName:       "Free",
		DailyAllowance: allowance,
		IsFree:         true,
		Active:         true,
		FetchedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("ReplaceSubscription: %v", err)
	}
}

// TestRecordAttempt_OfflineNeverClamps verifies offline attempts keep
// counting past the allowance: five attempts against a limit of three leave
// an honest count of five with zero remaining.
func TestRecordAttempt_OfflineNeverClamps(t *testing.T) {
	st := openTestStore(t)
	cacheSubscription(t, st, intPtr(3))
	tr := newTestTracker(t, st, &fakeRemote{}, &fakeConn{connected: false})
	ctx := context.Background()

	var last *Usage
	for i := 0; i < 5; i++ {
		u, err := tr.RecordAttempt(ctx)
		if err != nil {
			t.Fatalf("RecordAttempt %d: %v", i, err)
		}
		last = u
	}

	if last.AttemptsUsed != 5 {
		t.Fatalf("AttemptsUsed = %d, want 5", last.AttemptsUsed)
	}
	if last.Remaining != 0 || !last.LimitReached {
		t.Fatalf("derived view wrong: %+v", last)
	}
	if last.Synced {
		t.Fatal("offline counts must be marked unsynced")
	}
}

// TestRecordAttempt_OnlineAdoptsServerCount verifies the server's count
// replaces the local one wholesale.
func TestRecordAttempt_OnlineAdoptsServerCount(t *testing.T) {
	st := openTestStore(t)
	rc := &fakeRemote{attemptSnap: &remote.UsageSnapshot{
		Plan:         remote.Plan{ID: "free", Name: "Free", DailyAllowance: intPtr(3), IsFree: true, Active: true},
		Date:         testDate,
		AttemptsUsed: 2,
	}}
	tr := newTestTracker(t, st, rc, &fakeConn{connected: true})

	u, err := tr.RecordAttempt(context.Background())
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if u.AttemptsUsed != 2 || u.Remaining != 1 || u.LimitReached || !u.Synced {
		t.Fatalf("usage view wrong: %+v", u)
	}

	row, err := st.GetDailyUsage(context.Background(), testDate)
	if err != nil || row == nil || row.AttemptsUsed != 2 || !row.Synced {
		t.Fatalf("persisted row wrong: %+v, %v", row, err)
	}
}

// TestRecordAttempt_QuotaExceededRefetches verifies a server rejection pulls
// the authoritative count and surfaces the limit sentinel.
func TestRecordAttempt_QuotaExceededRefetches(t *testing.T) {
	st := openTestStore(t)
	rc := &fakeRemote{
		attemptErr: remote.ErrQuotaExceeded,
		fetchSnap: &remote.UsageSnapshot{
			Plan:         remote.Plan{ID: "free", Name: "Free", DailyAllowance: intPtr(3), IsFree: true, Active: true},
			Date:         testDate,
			AttemptsUsed: 3,
		},
	}
	tr := newTestTracker(t, st, rc, &fakeConn{connected: true})

	u, err := tr.RecordAttempt(context.Background())
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("error = %v, want ErrLimitReached", err)
	}
	if u == nil || u.AttemptsUsed != 3 || !u.LimitReached {
		t.Fatalf("usage view wrong: %+v", u)
	}
	if rc.fetchCalls != 1 {
		t.Fatalf("expected one authoritative re-fetch, got %d", rc.fetchCalls)
	}
}

// TestRecordAttempt_RemoteFailureFallsBackToLocal verifies a transient
// remote failure records the attempt locally instead of losing it.
func TestRecordAttempt_RemoteFailureFallsBackToLocal(t *testing.T) {
	st := openTestStore(t)
	cacheSubscription(t, st, intPtr(3))
	rc := &fakeRemote{attemptErr: errors.New("gateway timeout")}
	tr := newTestTracker(t, st, rc, &fakeConn{connected: true})

	u, err := tr.RecordAttempt(context.Background())
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if u.AttemptsUsed != 1 || u.Synced {
		t.Fatalf("local fallback wrong: %+v", u)
	}
}

// TestFetchUsage_OfflineWithoutCacheIsNil verifies a fresh offline device
// with no local row and no cached subscription has no usage to report.
func TestFetchUsage_OfflineWithoutCacheIsNil(t *testing.T) {
	st := openTestStore(t)
	tr := newTestTracker(t, st, &fakeRemote{}, &fakeConn{connected: false})

	u, err := tr.FetchUsage(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchUsage: %v", err)
	}
	if u != nil {
		t.Fatalf("usage = %+v, want nil with no source available", u)
	}
}

// TestFetchUsage_OfflineCachedSubscription verifies an unused day with a
// cached subscription yields a zero-use view with that plan's allowance.
func TestFetchUsage_OfflineCachedSubscription(t *testing.T) {
	st := openTestStore(t)
	cacheSubscription(t, st, intPtr(3))
	tr := newTestTracker(t, st, &fakeRemote{}, &fakeConn{connected: false})

	u, err := tr.FetchUsage(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchUsage: %v", err)
	}
	if u == nil {
		t.Fatal("usage = nil, want zero-use view from cached subscription")
	}
	if u.AttemptsUsed != 0 || u.DailyLimit == nil || *u.DailyLimit != 3 || u.Remaining != 3 {
		t.Fatalf("synthesized view wrong: %+v", u)
	}
}

// TestFetchUsage_ForceRefreshServerWins verifies a forced refresh discards
// optimistic local counts in favor of the server's reconciled count.
func TestFetchUsage_ForceRefreshServerWins(t *testing.T) {
	st := openTestStore(t)
	cacheSubscription(t, st, intPtr(3))
	ctx := context.Background()

	offline := newTestTracker(t, st, &fakeRemote{}, &fakeConn{connected: false})
	for i := 0; i < 5; i++ {
		if _, err := offline.RecordAttempt(ctx); err != nil {
			t.Fatalf("offline RecordAttempt: %v", err)
		}
	}

	rc := &fakeRemote{fetchSnap: &remote.UsageSnapshot{
		Plan:         remote.Plan{ID: "free", Name: "Free", DailyAllowance: intPtr(3), IsFree: true, Active: true},
		Date:         testDate,
		AttemptsUsed: 3,
	}}
	online := newTestTracker(t, st, rc, &fakeConn{connected: true})

	u, err := online.FetchUsage(ctx, true)
	if err != nil {
		t.Fatalf("FetchUsage: %v", err)
	}
	if u.AttemptsUsed != 3 || !u.Synced {
		t.Fatalf("server count did not win: %+v", u)
	}
}

// TestFetchUsage_UnlimitedPlan verifies nil allowance disables the limit.
func TestFetchUsage_UnlimitedPlan(t *testing.T) {
	st := openTestStore(t)
	cacheSubscription(t, st, nil)
	tr := newTestTracker(t, st, &fakeRemote{}, &fakeConn{connected: false})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		u, err := tr.RecordAttempt(ctx)
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if u.LimitReached || !u.Unlimited {
			t.Fatalf("unlimited plan hit a limit: %+v", u)
		}
	}
}
