package engine

import (
	"time"

	"telemetrygate/internal/model"
)

type EventEntry struct {
	Timestamp time.Time
	Valid     bool
	Score     float64
}

// WindowState is a sliding window of verdicts for one device.
type WindowState struct {
	duration time.Duration
	events   []EventEntry
	head     int
	packets  int
	rejected int
	scoreSum float64
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration: duration,
		events:   make([]EventEntry, 0, 64),
	}
}

func (w *WindowState) Add(ev EventEntry) {
	w.events = append(w.events, ev)
	w.packets++
	if !ev.Valid {
		w.rejected++
	}
	w.scoreSum += ev.Score
}

func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.events) {
		ev := w.events[w.head]
		if !ev.Timestamp.Before(cutoff) {
			break
		}
		w.packets--
		if !ev.Valid {
			w.rejected--
		}
		w.scoreSum -= ev.Score
		w.head++
	}
	if w.packets == 0 {
		w.scoreSum = 0
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]EventEntry{}, w.events[w.head:]...)
		w.head = 0
	}
}

func (w *WindowState) Metrics() model.WindowMetrics {
	wm := model.WindowMetrics{
		WindowSec: int(w.duration.Seconds()),
		Packets:   w.packets,
		Rejected:  w.rejected,
		Jitter:    varianceDelta(w.events, w.head),
	}
	if w.packets > 0 {
		wm.PPS = float64(w.packets) / w.duration.Seconds()
		wm.RejectRatio = float64(w.rejected) / float64(w.packets)
		wm.MeanScore = w.scoreSum / float64(w.packets)
	}
	return wm
}

// varianceDelta is the variance of inter-arrival gaps in seconds (Welford).
func varianceDelta(events []EventEntry, start int) float64 {
	if len(events)-start <= 1 {
		return 0
	}
	var n int
	var mean float64
	var m2 float64
	prev := events[start].Timestamp
	for i := start + 1; i < len(events); i++ {
		delta := events[i].Timestamp.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		diff := delta - mean
		mean += diff / float64(n)
		m2 += diff * (delta - mean)
		prev = events[i].Timestamp
	}
	if n == 0 {
		return 0
	}
	return m2 / float64(n)
}
