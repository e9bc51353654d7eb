package ops

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// RelayStatus is a point-in-time view of one relay in a managed set.
type RelayStatus struct {
	URL       string
	Connected bool
	Failures  int
}

// SystemStats contains overall process statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// CacheStats contains local cache statistics
type CacheStats struct {
	TotalEvents     int64
	EventsByKind    map[int]int64
	Posts           int64
	Profiles        int64
	Feeds           int64
	FeedItems       int64
	DatabaseSizeMB  float64
	OldestEventTime *time.Time
	NewestEventTime *time.Time
}

// Diagnostics is a full snapshot across subsystems
type Diagnostics struct {
	System    *SystemStats
	Cache     *CacheStats
	RelaySets map[string][]RelayStatus
	Collected time.Time
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	db        *sqlx.DB

	mu        sync.Mutex
	relaySets map[string]func() []RelayStatus
}

// NewDiagnosticsCollector creates a new diagnostics collector over the
// cache database handle.
func NewDiagnosticsCollector(version, commit string, db *sqlx.DB) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		db:        db,
		relaySets: make(map[string]func() []RelayStatus),
	}
}

// RegisterRelaySet adds a named relay set whose status is sampled on each
// collection.
func (d *DiagnosticsCollector) RegisterRelaySet(name string, status func() []RelayStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relaySets[name] = status
}

// CollectSystemStats collects runtime statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:         d.version,
		Commit:          d.commit,
		Uptime:          time.Since(d.startTime),
		StartTime:       d.startTime,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectCacheStats collects cache statistics
func (d *DiagnosticsCollector) CollectCacheStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{EventsByKind: make(map[int]int64)}

	if err := d.db.GetContext(ctx, &stats.TotalEvents, `SELECT COUNT(*) FROM events`); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by kind: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind int
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats.EventsByKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := d.db.GetContext(ctx, &stats.Posts, `SELECT COUNT(*) FROM posts`); err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}
	if err := d.db.GetContext(ctx, &stats.Profiles, `SELECT COUNT(*) FROM profiles`); err != nil {
		return nil, fmt.Errorf("failed to count profiles: %w", err)
	}
	if err := d.db.GetContext(ctx, &stats.Feeds, `
		SELECT COUNT(DISTINCT owner_id || ';' || feed_spec) FROM feed_items`); err != nil {
		return nil, fmt.Errorf("failed to count feeds: %w", err)
	}
	if err := d.db.GetContext(ctx, &stats.FeedItems, `SELECT COUNT(*) FROM feed_items`); err != nil {
		return nil, fmt.Errorf("failed to count feed items: %w", err)
	}

	var pageCount, pageSize int64
	if err := d.db.GetContext(ctx, &pageCount, `PRAGMA page_count`); err == nil {
		if err := d.db.GetContext(ctx, &pageSize, `PRAGMA page_size`); err == nil {
			stats.DatabaseSizeMB = float64(pageCount*pageSize) / 1024 / 1024
		}
	}

	if stats.TotalEvents > 0 {
		var oldest, newest int64
		if err := d.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM events`); err == nil {
			t := time.Unix(oldest, 0)
			stats.OldestEventTime = &t
		}
		if err := d.db.GetContext(ctx, &newest, `SELECT MAX(created_at) FROM events`); err == nil {
			t := time.Unix(newest, 0)
			stats.NewestEventTime = &t
		}
	}

	return stats, nil
}

// CollectRelayStats samples every registered relay set
func (d *DiagnosticsCollector) CollectRelayStats() map[string][]RelayStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]RelayStatus, len(d.relaySets))
	for name, fn := range d.relaySets {
		out[name] = fn()
	}
	return out
}

// CollectAll collects a full diagnostic snapshot
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	cacheStats, err := d.CollectCacheStats(ctx)
	if err != nil {
		return nil, err
	}

	return &Diagnostics{
		System:    d.CollectSystemStats(),
		Cache:     cacheStats,
		RelaySets: d.CollectRelayStats(),
		Collected: time.Now(),
	}, nil
}

// FormatAsText renders the snapshot as a plain-text report
func (diag *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "strfeed diagnostics (%s)\n", diag.Collected.Format(time.RFC3339))
	fmt.Fprintf(&b, "\nSystem:\n")
	fmt.Fprintf(&b, "  Version:    %s (%s)\n", diag.System.Version, diag.System.Commit)
	fmt.Fprintf(&b, "  Uptime:     %s\n", diag.System.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "  Go:         %s, %d goroutines\n", diag.System.GoVersion, diag.System.NumGoroutines)
	fmt.Fprintf(&b, "  Memory:     %.1f MB alloc, %.1f MB sys, %d GCs\n",
		diag.System.MemAllocMB, diag.System.MemSysMB, diag.System.NumGC)

	fmt.Fprintf(&b, "\nCache:\n")
	fmt.Fprintf(&b, "  Events:     %d (%.1f MB on disk)\n", diag.Cache.TotalEvents, diag.Cache.DatabaseSizeMB)
	fmt.Fprintf(&b, "  Posts:      %d\n", diag.Cache.Posts)
	fmt.Fprintf(&b, "  Profiles:   %d\n", diag.Cache.Profiles)
	fmt.Fprintf(&b, "  Feeds:      %d (%d items)\n", diag.Cache.Feeds, diag.Cache.FeedItems)
	if diag.Cache.OldestEventTime != nil && diag.Cache.NewestEventTime != nil {
		fmt.Fprintf(&b, "  Span:       %s to %s\n",
			diag.Cache.OldestEventTime.Format(time.RFC3339),
			diag.Cache.NewestEventTime.Format(time.RFC3339))
	}

	kinds := make([]int, 0, len(diag.Cache.EventsByKind))
	for k := range diag.Cache.EventsByKind {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "    kind %d: %d\n", k, diag.Cache.EventsByKind[k])
	}

	setNames := make([]string, 0, len(diag.RelaySets))
	for name := range diag.RelaySets {
		setNames = append(setNames, name)
	}
	sort.Strings(setNames)
	for _, name := range setNames {
		fmt.Fprintf(&b, "\nRelay set %q:\n", name)
		for _, rs := range diag.RelaySets[name] {
			state := "disconnected"
			if rs.Connected {
				state = "connected"
			}
			fmt.Fprintf(&b, "  %s: %s, %d failures\n", rs.URL, state, rs.Failures)
		}
	}

	return b.String()
}
