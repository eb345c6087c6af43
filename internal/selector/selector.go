// Package selector implements the circuit breaker and weighted-random
// candidate pick.
package selector

import (
	"math/rand/v2"
	"time"

	"github.com/unigw/uniproxy/internal/catalog"
	"github.com/unigw/uniproxy/internal/history"
	"github.com/unigw/uniproxy/internal/metrics"
)

// cooldownTable maps the leading run of consecutive failures to how long a
// candidate must sit out. Index 0..2 are unused (f<=2 never breaks).
var cooldownTable = map[int]time.Duration{
	3: 5 * time.Minute,
	4: 10 * time.Minute,
	5: 30 * time.Minute,
	6: 2 * time.Hour,
	7: 6 * time.Hour,
	8: 24 * time.Hour,
	9: 48 * time.Hour,
}

const fallbackCooldown = 24 * time.Hour

func cooldownFor(f int) time.Duration {
	if d, ok := cooldownTable[f]; ok {
		return d
	}
	return fallbackCooldown
}

// consecutiveFailures counts the leading (newest-first) run of
// request_success==false records in w.
func consecutiveFailures(w history.Window) int {
	n := 0
	for _, r := range w {
		if r.RequestSuccess {
			break
		}
		n++
	}
	return n
}

// Pick applies the circuit-breaker filter then a weighted random draw over
// candidates, using histories keyed by history.Key(config.ID, actualModel).
// If candidates has exactly one member it is returned unconditionally.
func Pick(candidates []catalog.Candidate, histories map[string]history.Window, now time.Time) catalog.Candidate {
	filtered := filter(candidates, histories, now)
	if len(filtered) < len(candidates) {
		rejected := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			rejected[c.Config.ID] = true
		}
		for _, c := range filtered {
			delete(rejected, c.Config.ID)
		}
		for id := range rejected {
			metrics.CircuitBreakerRejections.WithLabelValues(id).Inc()
		}
	}

	chosen := pick(candidates, histories, now, rand.Float64)
	metrics.SelectorWeightDraws.WithLabelValues(chosen.Config.ID).Inc()
	return chosen
}

// pick is Pick with an injectable random source for deterministic tests.
func pick(candidates []catalog.Candidate, histories map[string]history.Window, now time.Time, randFloat func() float64) catalog.Candidate {
	if len(candidates) == 1 {
		return candidates[0]
	}

	filtered := filter(candidates, histories, now)
	if len(filtered) == 0 {
		// Fail-open: circuit breaker emptied the list, revert to the
		// original candidates rather than refuse the request.
		filtered = candidates
	}

	weights := make([]float64, len(filtered))
	total := 0.0
	for i, cand := range filtered {
		w := weight(histories[history.Key(cand.Config.ID, cand.ActualModel)])
		weights[i] = w
		total += w
	}
	if total <= 0 {
		// Degenerate case (all weights zero): fall back to uniform pick.
		return filtered[int(randFloat()*float64(len(filtered)))%len(filtered)]
	}

	r := randFloat() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return filtered[i]
		}
	}
	return filtered[len(filtered)-1]
}

func filter(candidates []catalog.Candidate, histories map[string]history.Window, now time.Time) []catalog.Candidate {
	out := make([]catalog.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		w := histories[history.Key(cand.Config.ID, cand.ActualModel)]
		if len(w) == 0 {
			out = append(out, cand)
			continue
		}
		f := consecutiveFailures(w)
		if f <= 2 {
			out = append(out, cand)
			continue
		}
		newest := time.UnixMilli(w[0].RequestTime)
		if now.Sub(newest) >= cooldownFor(f) {
			out = append(out, cand)
		}
	}
	return out
}

func weight(w history.Window) float64 {
	if len(w) == 0 {
		return 1.0
	}

	successes := 0
	var rtSum int64
	for _, r := range w {
		if r.RequestSuccess {
			successes++
			rtSum += r.FirstTokenRT
		}
	}
	if successes == 0 {
		return 0.2 / float64(len(w))
	}

	avg := float64(rtSum) / float64(successes)
	if avg < 100 {
		avg = 100
	}
	sr := float64(successes) / float64(len(w))
	return (200 / avg) * sr * sr
}
