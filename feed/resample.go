package feed

import "alpacabridge/models"

// resampler aggregates N source bars into one output bar: open from the
// first, high is the max, low is the min, close from the last, volume
// summed. The output carries the first bar's timestamp. A bucket never
// crosses a session boundary; a new exchange day flushes the partial bucket
// first.
type resampler struct {
	factor  int
	session *sessionFilter

	cur   models.Bar
	count int
}

func newResampler(factor int, session *sessionFilter) *resampler {
	return &resampler{factor: factor, session: session}
}

// Add feeds one source bar. It returns up to two completed bars: a partial
// bucket flushed at a session boundary and the bucket the bar completed.
func (r *resampler) Add(bar models.Bar) []models.Bar {
	if r.factor <= 1 {
		return []models.Bar{bar}
	}

	var out []models.Bar
	if r.count > 0 && !r.session.SameSession(r.cur.Time, bar.Time) {
		out = append(out, r.cur)
		r.count = 0
	}

	if r.count == 0 {
		r.cur = bar
	} else {
		if bar.High > r.cur.High {
			r.cur.High = bar.High
		}
		if bar.Low < r.cur.Low {
			r.cur.Low = bar.Low
		}
		r.cur.Close = bar.Close
		r.cur.Volume += bar.Volume
	}
	r.count++

	if r.count == r.factor {
		out = append(out, r.cur)
		r.count = 0
	}
	return out
}

// Flush returns the partial bucket at the end of a historical replay.
func (r *resampler) Flush() (models.Bar, bool) {
	if r.factor <= 1 || r.count == 0 {
		return models.Bar{}, false
	}
	bar := r.cur
	r.count = 0
	return bar, true
}

// nativeCompression is the compression already encoded in an API timeframe
// string. The remaining factor is resampled client side.
func nativeCompression(timeframe string) int {
	switch timeframe {
	case "5Min":
		return 5
	case "15Min":
		return 15
	case "1H":
		return 60
	default:
		return 1
	}
}
