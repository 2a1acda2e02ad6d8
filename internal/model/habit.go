package model

import "time"

// ToggleCompletion flips the completion for day and recomputes the streaks
// relative to today. Days are YYYY-MM-DD.
func (h *Habit) ToggleCompletion(day string, today time.Time) bool {
	if h.Completions == nil {
		h.Completions = map[string]bool{}
	}
	done := !h.Completions[day]
	if done {
		h.Completions[day] = true
	} else {
		delete(h.Completions, day)
	}
	h.RecomputeStreaks(today)
	return done
}

// RecomputeStreaks sets Streak to the run of completed days ending today (or
// yesterday, when today is still open) and raises BestStreak to the longest
// run seen. BestStreak never decreases.
func (h *Habit) RecomputeStreaks(today time.Time) {
	day := dateOnly(today)
	if !h.Completions[day.Format(DateLayout)] {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for h.Completions[day.Format(DateLayout)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	h.Streak = streak

	if longest := h.longestRun(); longest > h.BestStreak {
		h.BestStreak = longest
	}
	if h.Streak > h.BestStreak {
		h.BestStreak = h.Streak
	}
}

func (h *Habit) longestRun() int {
	best := 0
	for key, ok := range h.Completions {
		if !ok {
			continue
		}
		d, err := time.Parse(DateLayout, key)
		if err != nil {
			continue
		}
		// Only count from the first day of each run.
		if h.Completions[d.AddDate(0, 0, -1).Format(DateLayout)] {
			continue
		}
		n := 0
		for h.Completions[d.Format(DateLayout)] {
			n++
			d = d.AddDate(0, 0, 1)
		}
		if n > best {
			best = n
		}
	}
	return best
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
