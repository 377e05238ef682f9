package transfer

import (
	"fmt"
	"sync"
	"time"
)

// ProgressReport is a snapshot of a running transfer.
type ProgressReport struct {
	Transferred    int64
	Total          int64
	Fraction       float64
	BytesPerSecond float64
	Rate           string
	ETA            string
}

// ProgressTracker accumulates transferred byte counts into rate and ETA
// figures. The rate is averaged over the whole transfer.
type ProgressTracker struct {
	mu          sync.Mutex
	total       int64
	transferred int64
	started     time.Time
	now         func() time.Time
}

// NewProgressTracker starts tracking a transfer of total bytes.
func NewProgressTracker(total int64) *ProgressTracker {
	return newProgressTracker(total, time.Now)
}

func newProgressTracker(total int64, now func() time.Time) *ProgressTracker {
	return &ProgressTracker{
		total:   total,
		started: now(),
		now:     now,
	}
}

// Add records n more bytes.
func (p *ProgressTracker) Add(n int64) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.transferred += n
	p.mu.Unlock()
}

// Transferred returns the accumulated byte count.
func (p *ProgressTracker) Transferred() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transferred
}

// Report returns the current snapshot.
func (p *ProgressTracker) Report() ProgressReport {
	p.mu.Lock()
	transferred := p.transferred
	total := p.total
	elapsed := p.now().Sub(p.started)
	p.mu.Unlock()

	report := ProgressReport{
		Transferred: transferred,
		Total:       total,
		Rate:        "0 B/s",
		ETA:         "--",
	}
	if total > 0 {
		report.Fraction = float64(transferred) / float64(total)
		if report.Fraction > 1 {
			report.Fraction = 1
		}
	} else {
		report.Fraction = 1
	}

	if elapsed > 0 && transferred > 0 {
		report.BytesPerSecond = float64(transferred) / elapsed.Seconds()
		report.Rate = FormatSize(int64(report.BytesPerSecond)) + "/s"
	}

	remaining := total - transferred
	switch {
	case remaining <= 0:
		report.ETA = FormatDuration(0)
	case report.BytesPerSecond > 0:
		report.ETA = FormatDuration(time.Duration(float64(remaining) / report.BytesPerSecond * float64(time.Second)))
	}
	return report
}

// FormatSize renders a byte count with a binary unit suffix.
func FormatSize(size int64) string {
	if size < 0 {
		return "0 B"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KB", "MB", "GB", "TB", "PB"}
	if exp >= len(prefixes) {
		exp = len(prefixes) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(size)/float64(div), prefixes[exp])
}

// FormatDuration renders d as h:mm:ss or m:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d.Round(time.Second) / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	seconds %= 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
