package download

import (
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressFunc receives the bytes written so far and the announced total.
type ProgressFunc func(written, total int64)

// progressWriter counts bytes as they are appended to the blob and reports
// them at most once per interval.
type progressWriter struct {
	total    int64
	written  int64
	interval time.Duration
	last     time.Time
	logger   *log.Logger
	notify   ProgressFunc
}

func newProgressWriter(total int64, interval time.Duration, logger *log.Logger, notify ProgressFunc) *progressWriter {
	return &progressWriter{
		total:    total,
		interval: interval,
		last:     time.Now(),
		logger:   logger,
		notify:   notify,
	}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if time.Since(p.last) >= p.interval {
		p.report()
	}
	return len(b), nil
}

func (p *progressWriter) report() {
	p.last = time.Now()

	pct := 100.0
	if p.total > 0 {
		pct = float64(p.written) / float64(p.total) * 100
	}
	p.logger.Printf("Downloaded %s / %s (%.1f%%)",
		humanize.Bytes(uint64(p.written)), humanize.Bytes(uint64(p.total)), pct)

	if p.notify != nil {
		p.notify(p.written, p.total)
	}
}
