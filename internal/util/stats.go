package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	SignalsSent       atomic.Int64 // signaling messages handed to the relay
	SignalsRecv       atomic.Int64 // signaling messages received from the relay
	CandidatesBuffer  atomic.Int64 // remote candidates that arrived before a remote description
	CandidatesApplied atomic.Int64 // remote candidates applied to the connection
	PacketsRecv       atomic.Int64 // RTP packets read from remote tracks
	BytesRecv         atomic.Int64 // RTP payload bytes read from remote tracks
}

func (s *stats) AddSignalSent() { s.SignalsSent.Add(1) }
func (s *stats) AddSignalRecv() { s.SignalsRecv.Add(1) }
func (s *stats) AddBuffered()   { s.CandidatesBuffer.Add(1) }
func (s *stats) AddApplied()    { s.CandidatesApplied.Add(1) }

func (s *stats) AddRTP(payload int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(payload))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SignalsSent       int64
	SignalsRecv       int64
	CandidatesBuffer  int64
	CandidatesApplied int64
	PacketsRecv       int64
	BytesRecv         int64
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		SignalsSent:       s.SignalsSent.Load(),
		SignalsRecv:       s.SignalsRecv.Load(),
		CandidatesBuffer:  s.CandidatesBuffer.Load(),
		CandidatesApplied: s.CandidatesApplied.Load(),
		PacketsRecv:       s.PacketsRecv.Load(),
		BytesRecv:         s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				rate := float64(cur.BytesRecv-prev.BytesRecv) / interval.Seconds()
				signals := (cur.SignalsSent - prev.SignalsSent) + (cur.SignalsRecv - prev.SignalsRecv)

				if signals > 0 || cur.PacketsRecv > prev.PacketsRecv {
					pterm.DefaultLogger.Info(formatStats(rate, cur.PacketsRecv-prev.PacketsRecv, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate float64, packets int64, cur Snapshot) string {
	return fmt.Sprintf("Media in: %s/s (%d pkts) | Signals: %d↑ %d↓ | Candidates: %d buffered, %d applied",
		formatBytes(rate),
		packets,
		cur.SignalsSent,
		cur.SignalsRecv,
		cur.CandidatesBuffer,
		cur.CandidatesApplied,
	)
}
