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

// Stats is the process-wide relay traffic/peer counter.
var Stats = &stats{}

type stats struct {
	TotalPeers  atomic.Int64 // cumulative count of relay peers since process start
	ClosedPeers atomic.Int64 // cumulative count of disconnected peers since process start
	BytesIn     atomic.Int64 // cumulative bytes received from peers
	BytesOut    atomic.Int64 // cumulative bytes fanned out to peers
}

func (s *stats) AddPeer()      { s.TotalPeers.Add(1) }
func (s *stats) RemovePeer()   { s.ClosedPeers.Add(1) }
func (s *stats) AddIn(n int)   { s.BytesIn.Add(int64(n)) }
func (s *stats) AddOut(n int)  { s.BytesOut.Add(int64(n)) }
func (s *stats) Online() int64 { return s.TotalPeers.Load() - s.ClosedPeers.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevIn, prevOut, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalPeers.Load()
				closed := Stats.ClosedPeers.Load()
				in := Stats.BytesIn.Load()
				out := Stats.BytesOut.Load()

				inS := float64(in-prevIn) / 10.0
				outS := float64(out-prevOut) / 10.0
				joined := total - prevTotal
				left := closed - prevClosed

				if joined > 0 || left > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, joined, left, Stats.Online()))
				}

				prevIn = in
				prevOut = out
				prevTotal = total
				prevClosed = closed

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
func formatStats(inS, outS float64, joined, left, online int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ (%d online)",
		formatBytes(inS),
		formatBytes(outS),
		joined,
		left,
		online,
	)
}
