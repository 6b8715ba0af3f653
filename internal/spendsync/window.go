package spendsync

import (
	"time"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

// Window is the inclusive day range one sync run fetches. Starts holds the
// start each campaign needed; From is their minimum.
type Window struct {
	From   time.Time            `json:"from"`
	To     time.Time            `json:"to"`
	Starts map[string]time.Time `json:"-"`
}

// WindowParams configure ComputeWindow.
type WindowParams struct {
	Today        time.Time
	IncludeToday bool
	LookbackDays int
	DaysBack     int
}

// ComputeWindow re-fetches LookbackDays before each known watermark, since the
// platform revises recent days after the fact. Campaigns without a watermark
// start DaysBack days before the end.
func ComputeWindow(p WindowParams, campaigns []string, watermarks map[string]time.Time) Window {
	end := models.Day(p.Today)
	if !p.IncludeToday {
		end = end.AddDate(0, 0, -1)
	}
	daysBack := p.DaysBack
	if daysBack < 1 {
		daysBack = 1
	}
	defaultStart := end.AddDate(0, 0, -(daysBack - 1))

	w := Window{From: end, To: end, Starts: make(map[string]time.Time, len(campaigns))}
	for _, id := range campaigns {
		start := defaultStart
		if wm, ok := watermarks[id]; ok && !wm.IsZero() {
			start = models.Day(wm).AddDate(0, 0, -p.LookbackDays)
		}
		if start.After(end) {
			start = end
		}
		w.Starts[id] = start
		if start.Before(w.From) {
			w.From = start
		}
	}
	return w
}

// Days counts the days in the window, both ends included.
func (w Window) Days() int {
	return int(w.To.Sub(w.From).Hours()/24) + 1
}
