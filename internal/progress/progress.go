// Package progress implements the progress-reporting contract spec.md
// §6 asks every long-running operation to honor: a callback invoked at
// stage boundaries and copy-chunk boundaries with (stage name, overall
// percent complete, a free-form detail string).
//
// Grounded on gokrazy-tools' internal/measure/measure.go, whose
// Interactively helper gates a terminal progress line on isatty and
// silently no-ops when stdout isn't a terminal. This package generalizes
// that single "[status] ... [done] in Ns" line into repeated
// (stage, percent, detail) milestones.
package progress

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// Reporter receives one progress update per stage milestone or copy
// chunk. stage is a short identifier ("CopyPartitions: l4t"); percent is
// the overall 0..100 completion across the whole operation, not just the
// current stage; detail is a free-form human string (bytes copied, rate).
type Reporter func(stage string, percent int, detail string)

// Noop discards every update, for callers (tests, library use) that
// don't want terminal output.
func Noop(string, int, string) {}

// Terminal returns a Reporter that rewrites a single status line on w
// when w is a terminal, or prints one line per update otherwise (e.g.
// when redirected to a log file), the way gokrazy-tools' Interactively
// distinguishes interactive from non-interactive output.
func Terminal(w *os.File) Reporter {
	interactive := isatty.IsTerminal(w.Fd())
	start := time.Now()
	var lastLen int
	return func(stage string, percent int, detail string) {
		elapsed := time.Since(start)
		line := fmt.Sprintf("[%3d%%] %s — %s (%s elapsed)", percent, stage, detail, elapsed.Round(time.Second))
		if !interactive {
			fmt.Fprintln(w, line)
			return
		}
		pad := 0
		if lastLen > len(line) {
			pad = lastLen - len(line)
		}
		fmt.Fprint(w, "\r"+line+strings.Repeat(" ", pad))
		lastLen = len(line)
		if percent >= 100 {
			fmt.Fprintln(w)
		}
	}
}

// ByteRate formats a detail string for a raw-copy chunk update: bytes
// copied so far out of total, and the instantaneous transfer rate.
func ByteRate(done, total uint64, elapsed time.Duration) string {
	var rate uint64
	if elapsed > 0 {
		rate = uint64(float64(done) / elapsed.Seconds())
	}
	return fmt.Sprintf("%s / %s (%s/s)", humanize.Bytes(done), humanize.Bytes(total), humanize.Bytes(rate))
}

// Stage is a small helper the engine uses to compute the overall percent
// for a weighted stage graph (spec.md §4.F's per-stage percentages).
// Weights sum to 100 across every stage in the graph.
type Stage struct {
	Name   string
	Weight int
}

// Overall computes the 0..100 overall percent given the stages completed
// before the current one plus the current stage's own fractional
// progress (0.0..1.0).
func Overall(stages []Stage, currentIndex int, currentFraction float64) int {
	var done float64
	for i, s := range stages {
		if i < currentIndex {
			done += float64(s.Weight)
		} else if i == currentIndex {
			done += float64(s.Weight) * currentFraction
			break
		}
	}
	return int(done)
}
