// Package diskspace measures how full the monitored media folders are.
package diskspace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// StatFunc returns the total and available bytes of the filesystem holding path.
type StatFunc func(path string) (total, free uint64, err error)

func statfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to get filesystem stats for %s: %w", path, err)
	}
	//nolint:gosec // block sizes are positive
	bsize := uint64(stat.Bsize)
	return stat.Blocks * bsize, stat.Bavail * bsize, nil
}

type Usage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Total       string  `json:"total"`
	Free        string  `json:"free"`
	Error       string  `json:"error,omitempty"`
}

type Probe struct {
	mu      sync.RWMutex
	folders []string
	stat    StatFunc
	cache   *expirable.LRU[string, Usage]
	logger  zerolog.Logger
}

// NewProbe watches folders. Measurements are cached for ttl; a nil stat uses statfs(2).
func NewProbe(folders []string, ttl time.Duration, stat StatFunc, logger zerolog.Logger) *Probe {
	if stat == nil {
		stat = statfs
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	p := &Probe{
		stat:   stat,
		cache:  expirable.NewLRU[string, Usage](64, nil, ttl),
		logger: logger,
	}
	p.SetFolders(folders)
	return p
}

// SetFolders replaces the monitored folder list. Duplicates and blanks are dropped.
func (p *Probe) SetFolders(folders []string) {
	seen := make(map[string]struct{})
	var clean []string
	for _, f := range folders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		f = filepath.Clean(f)
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		clean = append(clean, f)
	}
	sort.Strings(clean)

	p.mu.Lock()
	p.folders = clean
	p.mu.Unlock()
	p.cache.Purge()
}

func (p *Probe) Folders() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.folders))
	copy(out, p.folders)
	return out
}

// Usage measures one folder, serving cached values while they are fresh.
func (p *Probe) Usage(folder string) (Usage, error) {
	if u, ok := p.cache.Get(folder); ok {
		return u, nil
	}

	total, free, err := p.stat(folder)
	if err != nil {
		return Usage{Path: folder, Error: err.Error()}, err
	}

	u := Usage{
		Path:       folder,
		TotalBytes: total,
		FreeBytes:  free,
		Total:      humanize.IBytes(total),
		Free:       humanize.IBytes(free),
	}
	if total > 0 && free <= total {
		u.UsedBytes = total - free
		u.UsedPercent = float64(u.UsedBytes) / float64(total) * 100
	}
	p.cache.Add(folder, u)
	return u, nil
}

// Report measures every monitored folder. Folders that fail carry Error.
func (p *Probe) Report() []Usage {
	folders := p.Folders()
	out := make([]Usage, 0, len(folders))
	for _, f := range folders {
		u, err := p.Usage(f)
		if err != nil {
			p.logger.Warn().Err(err).Str("folder", f).Msg("disk space probe failed")
		}
		out = append(out, u)
	}
	return out
}

// Snapshot measures every monitored folder once so a whole run scores
// against the same numbers.
func (p *Probe) Snapshot() Snapshot {
	s := Snapshot{used: make(map[string]float64)}
	for _, u := range p.Report() {
		if u.Error != "" {
			continue
		}
		s.used[u.Path] = u.UsedPercent
		s.folders = append(s.folders, u.Path)
	}
	// longest first so nested folders win
	sort.Slice(s.folders, func(i, j int) bool { return len(s.folders[i]) > len(s.folders[j]) })
	return s
}

// Snapshot is an immutable set of folder usage readings.
type Snapshot struct {
	folders []string
	used    map[string]float64
}

// UsedPercentFor returns the usage of the monitored folder containing path,
// or nil when path is outside every monitored folder.
func (s Snapshot) UsedPercentFor(path string) *float64 {
	if path == "" {
		return nil
	}
	path = filepath.Clean(path)
	for _, f := range s.folders {
		if within(path, f) {
			v := s.used[f]
			return &v
		}
	}
	return nil
}

func within(path, folder string) bool {
	if path == folder {
		return true
	}
	if folder == string(filepath.Separator) {
		return strings.HasPrefix(path, folder)
	}
	return strings.HasPrefix(path, folder+string(filepath.Separator))
}
