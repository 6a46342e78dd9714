package scan

import "sync/atomic"

// Progress holds live counters for a running scan. Fields are atomic so the
// HTTP handler can read them while the scan goroutine writes.
type Progress struct {
	FilesAnalyzed atomic.Int64
	FilesSkipped  atomic.Int64
	FilesMatched  atomic.Int64
	BytesRead     atomic.Int64
}

// Snapshot is a point-in-time copy of Progress.
type Snapshot struct {
	FilesAnalyzed int64 `json:"files_analyzed"`
	FilesSkipped  int64 `json:"files_skipped"`
	FilesMatched  int64 `json:"files_matched"`
	BytesRead     int64 `json:"bytes_read"`
}

// Snapshot reads all counters.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		FilesAnalyzed: p.FilesAnalyzed.Load(),
		FilesSkipped:  p.FilesSkipped.Load(),
		FilesMatched:  p.FilesMatched.Load(),
		BytesRead:     p.BytesRead.Load(),
	}
}

func (p *Progress) reset() {
	p.FilesAnalyzed.Store(0)
	p.FilesSkipped.Store(0)
	p.FilesMatched.Store(0)
	p.BytesRead.Store(0)
}
