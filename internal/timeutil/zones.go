package timeutil

import (
	"log/slog"
	"sync"
	"time"
)

// commonZones are prewarmed at construction to avoid first-call latency on
// the hot ingestion path.
var commonZones = []string{
	"UTC",
	"Europe/Warsaw",
	"Europe/Berlin",
	"Europe/London",
	"Europe/Paris",
	"America/New_York",
}

const (
	maxLocationEntries = 1024
	maxDateEntries     = 256
)

type dateEntry struct {
	serverDay string
	date      time.Time
}

// Zones resolves client-local calendar dates with memoized timezone lookups.
// An unknown timezone name never fails a lookup: the caller gets the server's
// local date and a warning is logged, because usage accounting must not break
// on a bad tenant setting. Cached dates are keyed by the server day, so
// entries age out naturally; ClearCaches exists for the daily sweep.
type Zones struct {
	now func() time.Time

	mu    sync.RWMutex
	locs  map[string]*time.Location
	bad   map[string]struct{}
	dates map[string]dateEntry
}

func NewZones() *Zones {
	z := &Zones{
		now:   time.Now,
		locs:  seededLocations(),
		bad:   make(map[string]struct{}),
		dates: make(map[string]dateEntry),
	}
	return z
}

func seededLocations() map[string]*time.Location {
	locs := make(map[string]*time.Location, len(commonZones))
	for _, name := range commonZones {
		if loc, err := time.LoadLocation(name); err == nil {
			locs[name] = loc
		}
	}
	return locs
}

// NewZonesAt returns a Zones pinned to a fixed clock, for tests.
func NewZonesAt(now func() time.Time) *Zones {
	z := NewZones()
	z.now = now
	return z
}

// Location resolves the IANA name, falling back to the server zone on failure.
func (z *Zones) Location(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	z.mu.RLock()
	loc, ok := z.locs[name]
	if !ok {
		_, bad := z.bad[name]
		z.mu.RUnlock()
		if bad {
			return time.Local
		}
		return z.loadLocation(name)
	}
	z.mu.RUnlock()
	return loc
}

func (z *Zones) loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	z.mu.Lock()
	defer z.mu.Unlock()
	if err != nil {
		slog.Warn("invalid client timezone, using server local date",
			slog.String("timezone", name),
			slog.String("error", err.Error()))
		z.bad[name] = struct{}{}
		return time.Local
	}
	// Reset keeps the prewarmed zones: evicting those would put a zone load
	// back on the hot ingestion path.
	if len(z.locs) >= maxLocationEntries {
		z.locs = seededLocations()
	}
	z.locs[name] = loc
	return loc
}

// ClientLocalDate returns midnight of "today" in the client's zone.
func (z *Zones) ClientLocalDate(tz string) time.Time {
	serverDay := z.now().Format(DateLayout)
	key := "date:" + tz

	z.mu.RLock()
	if entry, ok := z.dates[key]; ok && entry.serverDay == serverDay {
		z.mu.RUnlock()
		return entry.date
	}
	z.mu.RUnlock()

	date := TruncateToDay(z.now(), z.Location(tz))
	z.storeDate(key, serverDay, date)
	return date
}

// ClientMonthStart returns midnight on the first day of the client's current month.
func (z *Zones) ClientMonthStart(tz string) time.Time {
	serverDay := z.now().Format(DateLayout)
	key := "month:" + tz

	z.mu.RLock()
	if entry, ok := z.dates[key]; ok && entry.serverDay == serverDay {
		z.mu.RUnlock()
		return entry.date
	}
	z.mu.RUnlock()

	start := MonthStart(z.now(), z.Location(tz))
	z.storeDate(key, serverDay, start)
	return start
}

// MonthRange returns (month start, today) in the client's zone.
func (z *Zones) MonthRange(tz string) (time.Time, time.Time) {
	return z.ClientMonthStart(tz), z.ClientLocalDate(tz)
}

// ConvertToClientDate maps a server timestamp onto the client's calendar date.
func (z *Zones) ConvertToClientDate(t time.Time, tz string) time.Time {
	return TruncateToDay(t, z.Location(tz))
}

// ClearCaches drops the memoized dates; callers run this on the daily sweep.
func (z *Zones) ClearCaches() {
	z.mu.Lock()
	z.dates = make(map[string]dateEntry)
	z.bad = make(map[string]struct{})
	z.mu.Unlock()
}

func (z *Zones) storeDate(key, serverDay string, date time.Time) {
	z.mu.Lock()
	if len(z.dates) >= maxDateEntries {
		z.dates = make(map[string]dateEntry)
	}
	z.dates[key] = dateEntry{serverDay: serverDay, date: date}
	z.mu.Unlock()
}
