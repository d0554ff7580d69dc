package migration

import (
	"time"

	"github.com/dustin/go-humanize"
)

// progressThrottle implements spec.md §4.F.2's "progress is emitted
// whenever overall percent advances by >=1 or 5s have elapsed" rule,
// shared by every partition's copy within the CopyPartitions stage so
// the reported fraction is over the whole stage, not just one partition.
type progressThrottle struct {
	totalSectors uint64
	emit         func(fraction float64, detail string)

	lastPercent int
	lastAt      time.Time
}

func newProgressThrottle(totalSectors uint64, emit func(float64, string)) *progressThrottle {
	return &progressThrottle{totalSectors: totalSectors, emit: emit, lastPercent: -1, lastAt: time.Now()}
}

func (p *progressThrottle) report(doneSectors uint64) {
	if p.totalSectors == 0 {
		return
	}
	fraction := float64(doneSectors) / float64(p.totalSectors)
	percent := int(fraction * 100)
	if percent == p.lastPercent && time.Since(p.lastAt) < 5*time.Second {
		return
	}
	p.lastPercent = percent
	p.lastAt = time.Now()
	detail := humanize.Bytes(doneSectors*512) + " / " + humanize.Bytes(p.totalSectors*512) + " copied"
	p.emit(fraction, detail)
}
