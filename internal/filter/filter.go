// Package filter implements the dashboard's three-dimension filtering:
// content labels, risk levels, and post types. An item must pass all three
// dimensions; within the content dimension any one of its labels matching
// any active filter label is enough.
package filter

import (
	"strings"

	"backcheck/internal/model"
)

// State holds the enabled/disabled flag per filter value. All values start
// enabled and flip only on explicit toggles; it is never persisted.
type State struct {
	Content map[string]bool
	Risk    map[model.RiskLevel]bool
	Type    map[model.PostType]bool
}

// NewState enables every risk level and post type plus the given content
// labels.
func NewState(contentLabels []string) State {
	st := State{
		Content: make(map[string]bool, len(contentLabels)),
		Risk:    make(map[model.RiskLevel]bool, len(model.RiskLevels)),
		Type:    make(map[model.PostType]bool, len(model.PostTypes)),
	}
	for _, l := range contentLabels {
		st.Content[l] = true
	}
	for _, r := range model.RiskLevels {
		st.Risk[r] = true
	}
	for _, t := range model.PostTypes {
		st.Type[t] = true
	}
	return st
}

// Fingerprint normalizes a label for fuzzy comparison: lower-case, keep only
// ASCII letters and digits. Classifier labels are free-form and drift in
// punctuation and spacing between runs.
func Fingerprint(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LabelsMatch reports whether two labels match under the fingerprint rule:
// equal, or either fingerprint a substring of the other.
func LabelsMatch(a, b string) bool {
	fa, fb := Fingerprint(a), Fingerprint(b)
	return fa == fb || strings.Contains(fa, fb) || strings.Contains(fb, fa)
}

// TypeOf resolves an item's post type for the type dimension.
type TypeOf func(model.RiskItem) model.PostType

// Apply returns the subset of items passing all three dimensions, in input
// order. An item with no labels cannot pass while any content filter is
// active; with no content filters active, nothing passes at all.
func Apply(items []model.RiskItem, st State, typeOf TypeOf) []model.RiskItem {
	activeFingerprints := make([]string, 0, len(st.Content))
	for label, on := range st.Content {
		if on {
			activeFingerprints = append(activeFingerprints, Fingerprint(label))
		}
	}

	out := make([]model.RiskItem, 0, len(items))
	for _, item := range items {
		if !st.Risk[item.RiskLevel] {
			continue
		}
		if !st.Type[typeOf(item)] {
			continue
		}
		if len(activeFingerprints) == 0 {
			continue
		}
		if !anyLabelMatches(item.Labels, activeFingerprints) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func anyLabelMatches(labels, activeFingerprints []string) bool {
	for _, lbl := range labels {
		ic := Fingerprint(lbl)
		for _, fc := range activeFingerprints {
			if fc == ic || strings.Contains(fc, ic) || strings.Contains(ic, fc) {
				return true
			}
		}
	}
	return false
}
