package usage

import (
	"unicode/utf8"

	"github.com/hupe1980/tailormesh/core"
)

// Estimator counts tokens locally when a provider does not report usage.
type Estimator interface {
	Count(text string) int
}

// HeuristicEstimator approximates one token per four characters, which is
// close to the BPE average for English prose.
type HeuristicEstimator struct{}

// Count implements Estimator.
func (HeuristicEstimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// CountMessages sums the estimated tokens of the text parts of msgs.
func CountMessages(e Estimator, msgs []core.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Count(m.Text())
	}
	return total
}
