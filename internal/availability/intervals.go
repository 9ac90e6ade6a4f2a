package availability

import (
	"sort"
	"time"
)

// span is a half-open [start, end) window of instants.
type span struct {
	start time.Time
	end   time.Time
}

func (s span) empty() bool {
	return !s.start.Before(s.end)
}

func overlaps(a, b span) bool {
	return a.start.Before(b.end) && b.start.Before(a.end)
}

// merge sorts spans and joins the ones that overlap or touch.
func merge(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sorted := append([]span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].start.Before(sorted[j].start)
	})

	out := []span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if !s.start.After(last.end) {
			if s.end.After(last.end) {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// subtract removes cut from every span, splitting where needed.
func subtract(spans []span, cut span) []span {
	out := make([]span, 0, len(spans))
	for _, s := range spans {
		if !overlaps(s, cut) {
			out = append(out, s)
			continue
		}
		if s.start.Before(cut.start) {
			out = append(out, span{start: s.start, end: cut.start})
		}
		if cut.end.Before(s.end) {
			out = append(out, span{start: cut.end, end: s.end})
		}
	}
	return out
}
