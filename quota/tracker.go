// Package quota tracks the user's daily diagnosis allowance. The server's
// count is authoritative; the local counter exists so the device can keep
// working offline. Offline attempts are recorded optimistically and never
// clamped to the allowance: when the device reconnects the server reconciles
// the true count, and hiding local attempts in the meantime would misreport
// what the user actually did.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verdantlab/cropdoc/remote"
	"github.com/verdantlab/cropdoc/store"
)

// ErrLimitReached indicates the daily allowance is exhausted. Wraps the
// remote quota error so errors.Is matches either sentinel.
var ErrLimitReached = errors.New("daily diagnosis limit reached")

// DefaultFreeDailyLimit is assumed when the device has never seen the server
// and holds no cached subscription. Conservative so a fresh offline install
// cannot burn through a paid allowance it does not know about.
const DefaultFreeDailyLimit = 5

// UsageRemote is the slice of the remote API the tracker needs. Satisfied by
// *remote.Client.
type UsageRemote interface {
	FetchUsage(ctx context.Context) (*remote.UsageSnapshot, error)
	RecordUsageAttempt(ctx context.Context) (*remote.UsageSnapshot, error)
}

// ConnectivityChecker reports last-known reachability. Satisfied by
// *connectivity.Monitor.
type ConnectivityChecker interface {
	IsConnected() bool
}

// Usage is the app-facing view of today's allowance, derived from whichever
// source answered: the server, the local counter, or the cached subscription.
type Usage struct {
	Date         string
	PlanName     string
	AttemptsUsed int
	DailyLimit   *int // nil = unlimited
	Unlimited    bool
	Remaining    int // 0 when unlimited is true; meaningless then
	LimitReached bool
	Synced       bool // true when the numbers came from the server
}

// Tracker reconciles local and remote views of today's usage.
type Tracker struct {
	store  *store.Store
	remote UsageRemote
	conn   ConnectivityChecker
	logger logrus.FieldLogger

	now func() time.Time // test hook
}

// NewTracker creates a usage tracker.
func NewTracker(st *store.Store, rc UsageRemote, conn ConnectivityChecker, logger logrus.FieldLogger) *Tracker {
	return &Tracker{
		store:  st,
		remote: rc,
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) today() string {
	return t.now().Format("2006-01-02")
}

// FetchUsage returns today's usage. With forceRefresh, or when the device is
// online and holds no local row for today, the server is consulted and its
// snapshot replaces the local state wholesale. Otherwise the local row
// answers, falling back to a zero-use view from the cached subscription.
// Fully offline with no local row and no cached subscription there is no
// answer to give: the result is nil with no error.
func (t *Tracker) FetchUsage(ctx context.Context, forceRefresh bool) (*Usage, error) {
	date := t.today()

	local, err := t.store.GetDailyUsage(ctx, date)
	if err != nil {
		return nil, err
	}

	if t.conn.IsConnected() && (forceRefresh || local == nil) {
		snap, err := t.remote.FetchUsage(ctx)
		if err != nil {
			t.logger.WithError(err).Warn("usage refresh failed, using local view")
		} else {
			return t.adoptSnapshot(ctx, snap)
		}
	}

	if local != nil {
		return t.view(local), nil
	}

	// Never used today and the server is unreachable. A cached subscription
	// still yields a zero-use view; with nothing cached at all there is no
	// usage to report.
	sub, err := t.store.CurrentSubscription()
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	return t.view(&store.DailyUsage{
		Date:        date,
		DailyLimit:  sub.DailyAllowance,
		IsUnlimited: sub.DailyAllowance == nil,
	}), nil
}

// RecordAttempt registers one diagnosis attempt against today's allowance.
//
// Online, the server atomically increments-and-checks; an exhausted allowance
// surfaces as ErrLimitReached alongside the authoritative usage view, and the
// local state is refreshed either way. Any other remote failure degrades to
// the offline path. Offline, the local counter is incremented optimistically
// and the attempt always proceeds; LimitReached on the returned view tells
// the app to warn the user.
func (t *Tracker) RecordAttempt(ctx context.Context) (*Usage, error) {
	if t.conn.IsConnected() {
		snap, err := t.remote.RecordUsageAttempt(ctx)
		switch {
		case err == nil:
			return t.adoptSnapshot(ctx, snap)
		case errors.Is(err, remote.ErrQuotaExceeded):
			u := t.refreshAfterExceeded(ctx)
			return u, ErrLimitReached
		default:
			t.logger.WithError(err).Warn("remote usage attempt failed, recording locally")
		}
	}

	limit, unlimited := t.cachedLimit()
	local, err := t.store.IncrementDailyUsage(ctx, t.today(), limit, unlimited)
	if err != nil {
		return nil, err
	}
	return t.view(local), nil
}

// refreshAfterExceeded pulls the authoritative count after the server
// rejected an attempt, so the local view shows the real numbers rather than
// a stale under-count. Failures fall back to whatever is stored locally.
func (t *Tracker) refreshAfterExceeded(ctx context.Context) *Usage {
	snap, err := t.remote.FetchUsage(ctx)
	if err == nil {
		if u, aerr := t.adoptSnapshot(ctx, snap); aerr == nil {
			u.LimitReached = true
			return u
		}
	} else {
		t.logger.WithError(err).Warn("usage refresh after quota rejection failed")
	}

	date := t.today()
	local, err := t.store.GetDailyUsage(ctx, date)
	if err != nil || local == nil {
		local = t.emptyUsage(date)
	}
	u := t.view(local)
	u.LimitReached = true
	return u
}

// adoptSnapshot replaces local usage and subscription state with the
// server's snapshot. The server wins wholesale; local optimistic counts for
// that day are discarded, not merged.
func (t *Tracker) adoptSnapshot(ctx context.Context, snap *remote.UsageSnapshot) (*Usage, error) {
	unlimited := snap.Plan.DailyAllowance == nil

	row := &store.DailyUsage{
		Date:         snap.Date,
		AttemptsUsed: snap.AttemptsUsed,
		DailyLimit:   snap.Plan.DailyAllowance,
		IsUnlimited:  unlimited,
		Synced:       true,
	}
	if err := t.store.UpsertDailyUsage(ctx, row); err != nil {
		return nil, err
	}

	sub := &store.SubscriptionSnapshot{
		PlanID:         snap.Plan.ID,
		PlanName:       snap.Plan.Name,
		DailyAllowance: snap.Plan.DailyAllowance,
		IsFree:         snap.Plan.IsFree,
		Active:         snap.Plan.Active,
		PlanType:       snap.Plan.PlanType,
		FetchedAt:      t.now(),
	}
	if ts, err := time.Parse(time.RFC3339, snap.Plan.StartsAt); err == nil {
		sub.StartsAt = &ts
	}
	if ts, err := time.Parse(time.RFC3339, snap.Plan.EndsAt); err == nil {
		sub.EndsAt = &ts
	}
	if err := t.store.ReplaceSubscription(sub); err != nil {
		t.logger.WithError(err).Warn("failed to cache subscription snapshot")
	}

	u := t.view(row)
	u.PlanName = snap.Plan.Name
	return u, nil
}

// cachedLimit returns today's allowance from the cached subscription, and
// whether the plan is unlimited. No cache means the conservative free limit.
func (t *Tracker) cachedLimit() (*int, bool) {
	sub, err := t.store.CurrentSubscription()
	if err != nil || sub == nil {
		limit := DefaultFreeDailyLimit
		return &limit, false
	}
	return sub.DailyAllowance, sub.DailyAllowance == nil
}

func (t *Tracker) emptyUsage(date string) *store.DailyUsage {
	limit, unlimited := t.cachedLimit()
	return &store.DailyUsage{
		Date:        date,
		DailyLimit:  limit,
		IsUnlimited: unlimited,
	}
}

func (t *Tracker) view(row *store.DailyUsage) *Usage {
	u := &Usage{
		Date:         row.Date,
		AttemptsUsed: row.AttemptsUsed,
		DailyLimit:   row.DailyLimit,
		Unlimited:    row.IsUnlimited || row.DailyLimit == nil,
		Synced:       row.Synced,
	}
	if !u.Unlimited {
		remaining := *row.DailyLimit - row.AttemptsUsed
		if remaining < 0 {
			remaining = 0
		}
		u.Remaining = remaining
		u.LimitReached = row.AttemptsUsed >= *row.DailyLimit
	}
	if sub, err := t.store.CurrentSubscription(); err == nil && sub != nil {
		u.PlanName = sub.PlanName
	}
	return u
}

// History returns the locally recorded per-day usage rows, newest first.
func (t *Tracker) History(ctx context.Context) ([]*store.DailyUsage, error) {
	return t.store.ListUsageHistory(ctx)
}
