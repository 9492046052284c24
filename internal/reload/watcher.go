package reload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jroosing/hydracurve/internal/rules"
)

// FileSet names the rule files the Watcher polls, in load order; position
// in each slice becomes that file's FileIndex (lower wins ties, per
// spec.md §4.2).
type FileSet struct {
	HostsFiles      []string
	IPFilterFiles   []string
	DNSCurveDBFiles []string
}

// Watcher re-stats the configured rule files on a coarse timer and, when
// any has changed, reparses every file and atomically swaps a freshly
// built ConfigSnapshot into Store. In-flight requests keep using whatever
// snapshot they acquired before the swap.
type Watcher struct {
	Store  *rules.Store
	Files  FileSet
	Period time.Duration
	Logger *slog.Logger

	mu      sync.Mutex
	mtimes  map[string]time.Time
	lastErr error
}

// NewWatcher returns a Watcher for files, polling at period (a sensible
// default is applied if period <= 0).
func NewWatcher(store *rules.Store, files FileSet, period time.Duration, logger *slog.Logger) *Watcher {
	if period <= 0 {
		period = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Store:  store,
		Files:  files,
		Period: period,
		Logger: logger,
		mtimes: make(map[string]time.Time),
	}
}

// Run blocks, polling every w.Period until ctx is cancelled. Callers
// should call LoadNow once before starting Run in its own goroutine, so
// the store is populated before the first request arrives.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.reload()
			}
		}
	}
}

// changed reports whether any tracked file's mtime differs from the last
// observed value (including files that did not exist before and now do,
// or vice versa).
func (w *Watcher) changed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	any := false
	for _, path := range w.allFiles() {
		mtime, err := statMTime(path)
		prev, tracked := w.mtimes[path]
		if err != nil {
			if tracked {
				any = true
				delete(w.mtimes, path)
			}
			continue
		}
		if !tracked || !mtime.Equal(prev) {
			any = true
		}
	}
	return any
}

func (w *Watcher) allFiles() []string {
	out := make([]string, 0, len(w.Files.HostsFiles)+len(w.Files.IPFilterFiles)+len(w.Files.DNSCurveDBFiles))
	out = append(out, w.Files.HostsFiles...)
	out = append(out, w.Files.IPFilterFiles...)
	out = append(out, w.Files.DNSCurveDBFiles...)
	return out
}

// LoadNow parses every configured file and swaps the result into Store
// unconditionally — used for the initial load at startup, and by the
// cluster-sync import after it writes new rule files, to reload without
// waiting for the next tick.
func (w *Watcher) LoadNow() error {
	w.reload()
	return w.lastErr
}

func (w *Watcher) reload() {
	snap := rules.NewEmptySnapshot()
	var firstErr error

	for i, path := range w.Files.HostsFiles {
		rs, err := ParseHostsFile(path, i)
		if err != nil {
			w.Logger.Warn("reload: hosts file failed to parse, its rules are left out of the new snapshot", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, r := range rs {
			if err := snap.Hosts.Add(r); err != nil {
				w.Logger.Warn("reload: invalid hosts rule", "path", path, "error", err)
			}
		}
	}

	for i, path := range w.Files.IPFilterFiles {
		table, err := ParseIPFilterFile(path, i)
		if err != nil {
			w.Logger.Warn("reload: IP filter file failed to parse", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mergeIPFilterTable(snap.IPFilters, table)
	}

	for i, path := range w.Files.DNSCurveDBFiles {
		servers, err := ParseDNSCurveDBFile(path, i)
		if err != nil {
			w.Logger.Warn("reload: DNSCurve DB file failed to parse", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, s := range servers {
			if err := snap.DNSCurve.Add(s); err != nil {
				w.Logger.Warn("reload: invalid DNSCurve server entry", "path", path, "error", err)
			}
		}
	}

	w.mu.Lock()
	for _, path := range w.allFiles() {
		if mtime, err := statMTime(path); err == nil {
			w.mtimes[path] = mtime
		} else {
			delete(w.mtimes, path)
		}
	}
	w.lastErr = firstErr
	w.mu.Unlock()

	w.Store.Swap(snap)
	w.Logger.Info("rule snapshot reloaded",
		"hosts", snap.Hosts.Size(), "ip_filters", snap.IPFilters.Size(), "dnscurve_servers", snap.DNSCurve.Size())
}

// mergeIPFilterTable folds every rule in src into dst, preserving group
// and FileIndex, so multiple IP filter files accumulate into one
// composite snapshot table.
func mergeIPFilterTable(dst, src *rules.IPFilterTable) {
	for _, group := range []rules.IPFilterGroup{rules.GroupMain, rules.GroupBlacklist, rules.GroupLocalRouting} {
		for _, r := range src.RulesInGroup(group) {
			_ = dst.Add(r.Network.String(), r.Action, r.Group, r.FileIndex)
		}
	}
}

func statMTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
