package usagestore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/open-webui/usage-engine/internal/cache"
	"github.com/open-webui/usage-engine/internal/config"
	"github.com/open-webui/usage-engine/internal/observability"
	"github.com/open-webui/usage-engine/internal/timeutil"
)

type executed struct {
	sql  string
	args []any
}

// fakeDB scripts the handful of statements the write path issues. Unscripted
// tx methods panic through the embedded nil interface, which is what we want:
// a test reaching them is a test with a hole in its script.
type fakeDB struct {
	beginErr   error
	beginCalls int

	clientTimezone string
	clientMarkup   float64
	counter        liveCounter

	execs   []executed
	commits int
}

func (d *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	d.beginCalls++
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return &fakeTx{db: d}, nil
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, executed{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (d *fakeDB) execsContaining(substr string) []executed {
	var out []executed
	for _, e := range d.execs {
		if strings.Contains(e.sql, substr) {
			out = append(out, e)
		}
	}
	return out
}

type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "billing_timezone"):
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = t.db.clientTimezone
			*(dest[1].(*float64)) = t.db.clientMarkup
			return nil
		}}
	case strings.Contains(sql, "FOR UPDATE"):
		return fakeRow{scan: func(dest ...any) error {
			c := t.db.counter
			*(dest[0].(*time.Time)) = c.Date
			*(dest[1].(*int64)) = c.Tokens
			*(dest[2].(*int64)) = c.Requests
			*(dest[3].(*int64)) = c.RawMicros
			*(dest[4].(*int64)) = c.MarkupMicros
			return nil
		}}
	}
	return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(context.Context) error {
	t.db.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func newTestStore(db *fakeDB) *Store {
	var metrics *observability.Provider
	var processed *cache.ProcessedCache
	return New(db, timeutil.NewZones(), metrics, processed, config.UsageConfig{
		DefaultTimezone:   "UTC",
		DefaultMarkupRate: 1.3,
		RecordMaxAttempts: 3,
		RecordBackoff:     time.Millisecond,
	})
}

func testEvent() Event {
	return Event{
		ClientOrgID:  "acme",
		UserID:       "u1",
		ModelName:    "openai/gpt-4o",
		Provider:     "openai",
		InputTokens:  800,
		OutputTokens: 200,
		RawCostUSD:   0.01,
	}
}

func TestRecordUsage_RetriesExactlyThreeTimesThenFails(t *testing.T) {
	db := &fakeDB{beginErr: &pgconn.PgError{Code: "40001"}}
	s := newTestStore(db)

	if s.RecordUsage(context.Background(), testEvent()) {
		t.Error("exhausted retries must report failure")
	}
	if db.beginCalls != 3 {
		t.Errorf("want exactly 3 attempts, got %d", db.beginCalls)
	}
}

func TestRecordUsage_FatalErrorFailsWithoutRetry(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("relation does not exist")}
	s := newTestStore(db)

	if s.RecordUsage(context.Background(), testEvent()) {
		t.Error("fatal error must report failure")
	}
	if db.beginCalls != 1 {
		t.Errorf("fatal errors must not be retried, got %d attempts", db.beginCalls)
	}
}

func TestRecordUsage_StaleCounterRolledForwardBeforeWrite(t *testing.T) {
	yesterday := timeutil.TruncateToDay(time.Now().UTC().AddDate(0, 0, -1), time.UTC)
	db := &fakeDB{
		clientTimezone: "UTC",
		clientMarkup:   1.3,
		counter:        liveCounter{Date: yesterday, Tokens: 500, Requests: 5, RawMicros: 10_000, MarkupMicros: 13_000},
	}
	s := newTestStore(db)

	if !s.RecordUsage(context.Background(), testEvent()) {
		t.Fatal("record must succeed")
	}
	if len(db.execsContaining("INSERT INTO client_daily_usage")) != 1 {
		t.Error("stale counter must be frozen into the daily summary")
	}
	if len(db.execsContaining("SET counter_date = $2")) != 1 {
		t.Error("stale counter must be reset to today")
	}
	if len(db.execsContaining("tokens = tokens + $2")) != 1 {
		t.Error("event must land on the live counter after the rollover")
	}
	if db.commits != 1 {
		t.Errorf("want a single commit, got %d", db.commits)
	}
}

func TestRecordUsage_CurrentCounterWritesWithoutRollover(t *testing.T) {
	today := timeutil.TruncateToDay(time.Now().UTC(), time.UTC)
	db := &fakeDB{clientTimezone: "UTC", clientMarkup: 1.3, counter: liveCounter{Date: today}}
	s := newTestStore(db)

	if !s.RecordUsage(context.Background(), testEvent()) {
		t.Fatal("record must succeed")
	}
	if len(db.execsContaining("INSERT INTO client_daily_usage")) != 0 {
		t.Error("a current counter must not trigger a rollover")
	}
	if len(db.execsContaining("tokens = tokens + $2")) != 1 {
		t.Error("event must land on the live counter")
	}
}

func TestRecordUsage_BackdatedEventBypassesLiveCounter(t *testing.T) {
	today := timeutil.TruncateToDay(time.Now().UTC(), time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	db := &fakeDB{clientTimezone: "UTC", clientMarkup: 1.3, counter: liveCounter{Date: today}}
	s := newTestStore(db)

	ev := testEvent()
	ev.UsageDate = yesterday
	if !s.RecordUsage(context.Background(), ev) {
		t.Fatal("record must succeed")
	}

	if len(db.execsContaining("tokens = tokens + $2")) != 0 {
		t.Error("backdated event must not touch the live counter")
	}
	daily := db.execsContaining("INSERT INTO client_daily_usage")
	if len(daily) != 1 {
		t.Fatal("backdated event must write the daily summary directly")
	}
	if got := daily[0].args[1].(time.Time); !timeutil.SameDate(got, yesterday) {
		t.Errorf("daily summary dated %s, want %s", timeutil.DateString(got), timeutil.DateString(yesterday))
	}
	model := db.execsContaining("INSERT INTO client_model_daily_usage")
	if len(model) != 1 {
		t.Fatal("backdated event must keep the model breakdown")
	}
	if got := model[0].args[3].(time.Time); !timeutil.SameDate(got, yesterday) {
		t.Errorf("model breakdown dated %s, want %s", timeutil.DateString(got), timeutil.DateString(yesterday))
	}
}

func TestRecordUsage_OpenRouterUserAttributionFallback(t *testing.T) {
	today := timeutil.TruncateToDay(time.Now().UTC(), time.UTC)
	db := &fakeDB{clientTimezone: "UTC", clientMarkup: 1.3, counter: liveCounter{Date: today}}
	s := newTestStore(db)

	ev := testEvent()
	ev.UserID = ""
	ev.OpenRouterUserID = "or-user-7"
	if !s.RecordUsage(context.Background(), ev) {
		t.Fatal("record must succeed")
	}

	user := db.execsContaining("INSERT INTO client_user_daily_usage")
	if len(user) != 1 {
		t.Fatal("event with an upstream user id must write the user breakdown")
	}
	if got := user[0].args[1].(string); got != "or-user-7" {
		t.Errorf("attributed to %q, want or-user-7", got)
	}
}

func TestRollForward_ZeroCounterWritesNothing(t *testing.T) {
	db := &fakeDB{}
	s := newTestStore(db)
	tx := &fakeTx{db: db}

	yesterday := timeutil.TruncateToDay(time.Now().UTC().AddDate(0, 0, -1), time.UTC)
	if err := s.rollForward(context.Background(), tx, "acme", liveCounter{Date: yesterday}); err != nil {
		t.Fatalf("roll forward: %v", err)
	}
	if len(db.execs) != 0 {
		t.Errorf("zero counter must not produce a summary row, got %d statements", len(db.execs))
	}
}

func TestRolloverClient_CurrentCounterIsNoop(t *testing.T) {
	today := timeutil.TruncateToDay(time.Now().UTC(), time.UTC)
	db := &fakeDB{counter: liveCounter{Date: today, Tokens: 42}}
	s := newTestStore(db)

	if err := s.rolloverClient(context.Background(), "acme", today); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if len(db.execs) != 0 {
		t.Errorf("current counter must roll nothing, got %d statements", len(db.execs))
	}
	if db.commits != 1 {
		t.Errorf("noop rollover still commits its transaction, got %d", db.commits)
	}
}
