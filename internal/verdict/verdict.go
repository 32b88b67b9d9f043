// Package verdict extracts pass/fail decisions from review-style
// agent output.
package verdict

import "strings"

// Strategy decides whether a verdict role's output passes. Output
// with no recognizable verdict passes; the dispatch result already
// established that the agent ran.
type Strategy interface {
	Evaluate(output string) bool
}

// Func adapts a plain function to a Strategy.
type Func func(output string) bool

// Evaluate implements Strategy.
func (f Func) Evaluate(output string) bool { return f(output) }

// Keywords is the stock strategy: a JSON-style "verdict" field wins
// when present, bare keywords are checked next, and anything else
// passes.
type Keywords struct{}

// Evaluate implements Strategy.
func (Keywords) Evaluate(output string) bool {
	lower := strings.ToLower(output)

	if strings.Contains(lower, `"verdict"`) {
		if strings.Contains(lower, `"approved"`) || strings.Contains(lower, `"passed"`) {
			return true
		}
		if strings.Contains(lower, `"needs_revision"`) || strings.Contains(lower, `"failed"`) {
			return false
		}
	}

	if strings.Contains(lower, "approved") || strings.Contains(lower, "passed") {
		return true
	}
	if strings.Contains(lower, "needs_revision") || strings.Contains(lower, "failed") {
		return false
	}

	return true
}

// Default returns the stock keyword strategy.
func Default() Strategy { return Keywords{} }
