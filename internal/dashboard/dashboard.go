// Package dashboard holds the per-session view state for the results screen:
// the loaded classification set, filter toggles, multi-selection, and the
// incremental-reveal cursor. All mutation goes through one mutex; snapshots
// are value copies so handlers never see a half-applied update.
package dashboard

import (
	"sort"
	"strconv"
	"sync"

	"backcheck/internal/classify"
	"backcheck/internal/filter"
	"backcheck/internal/model"
)

// PageSize is the number of posts revealed per load-more step.
const PageSize = 20

type Dashboard struct {
	mu sync.Mutex

	items      []model.RiskItem
	meta       map[string]model.TweetMeta
	selfHandle string

	contentLabels []string
	filters       filter.State
	selected      map[int64]struct{}
	visible       int

	hadData bool
}

// New builds the state for a freshly loaded result set. summaryLabels are the
// label-count keys from the classification summary, used when the items
// themselves carry no labels; the fixed marketing set is the last resort.
func New(items []model.RiskItem, meta map[string]model.TweetMeta, selfHandle string, summaryLabels []string) *Dashboard {
	labels := distinctLabels(items)
	if len(labels) == 0 {
		if len(summaryLabels) > 0 {
			labels = append(labels, summaryLabels...)
		} else {
			labels = append(labels, model.FixedContentLabels...)
		}
	}
	if meta == nil {
		meta = map[string]model.TweetMeta{}
	}
	return &Dashboard{
		items:         items,
		meta:          meta,
		selfHandle:    selfHandle,
		contentLabels: labels,
		filters:       filter.NewState(labels),
		selected:      make(map[int64]struct{}),
		visible:       PageSize,
		hadData:       len(items) > 0,
	}
}

func distinctLabels(items []model.RiskItem) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, it := range items {
		for _, l := range it.Labels {
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

func (d *Dashboard) typeOf(item model.RiskItem) model.PostType {
	var meta *model.TweetMeta
	if m, ok := d.meta[strconv.FormatInt(item.TweetID, 10)]; ok {
		meta = &m
	}
	return classify.PostType(item, meta, d.selfHandle)
}

// ToggleContentFilter flips one content label and resets the reveal cursor.
// Unknown labels are ignored.
func (d *Dashboard) ToggleContentFilter(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.filters.Content[label]; !ok {
		return
	}
	d.filters.Content[label] = !d.filters.Content[label]
	d.visible = PageSize
}

// ToggleRiskFilter flips one risk level and resets the reveal cursor.
func (d *Dashboard) ToggleRiskFilter(level model.RiskLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !level.Valid() {
		return
	}
	d.filters.Risk[level] = !d.filters.Risk[level]
	d.visible = PageSize
}

// TogglePostTypeFilter flips one post type and resets the reveal cursor.
func (d *Dashboard) TogglePostTypeFilter(pt model.PostType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.filters.Type[pt]; !ok {
		return
	}
	d.filters.Type[pt] = !d.filters.Type[pt]
	d.visible = PageSize
}

// LoadMore advances the reveal cursor by one page, capped at the filtered
// length. observed is the visible count the caller acted on; a stale value
// means another trigger already fired and the call is a no-op, which keeps
// scroll-proximity triggers from double-firing.
func (d *Dashboard) LoadMore(observed int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if observed != d.visible {
		return d.visible
	}
	n := len(filter.Apply(d.items, d.filters, d.typeOf))
	d.visible += PageSize
	if d.visible > n {
		d.visible = n
	}
	return d.visible
}

// ToggleSelect flips one id in the selection set. Ids not present in the
// loaded collection are ignored, keeping the selection a subset of the
// collection.
func (d *Dashboard) ToggleSelect(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.contains(id) {
		return
	}
	if _, ok := d.selected[id]; ok {
		delete(d.selected, id)
	} else {
		d.selected[id] = struct{}{}
	}
}

func (d *Dashboard) contains(id int64) bool {
	for _, it := range d.items {
		if it.TweetID == id {
			return true
		}
	}
	return false
}

// ToggleSelectAll operates on the currently filtered set: when every
// filtered item is already selected the whole selection clears, otherwise
// every filtered id joins the selection (off-screen picks survive).
func (d *Dashboard) ToggleSelectAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	filtered := filter.Apply(d.items, d.filters, d.typeOf)
	if len(filtered) > 0 && d.allSelectedLocked(filtered) {
		d.selected = make(map[int64]struct{})
		return
	}
	for _, it := range filtered {
		d.selected[it.TweetID] = struct{}{}
	}
}

func (d *Dashboard) allSelectedLocked(filtered []model.RiskItem) bool {
	for _, it := range filtered {
		if _, ok := d.selected[it.TweetID]; !ok {
			return false
		}
	}
	return true
}

// Remove drops the given ids from the collection and the selection in one
// step, so stale selections never survive a deletion.
func (d *Dashboard) Remove(ids []int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := d.items[:0]
	for _, it := range d.items {
		if _, gone := drop[it.TweetID]; !gone {
			kept = append(kept, it)
		}
	}
	d.items = kept
	for id := range drop {
		delete(d.selected, id)
	}
}

// SelectedIDs returns the selection in ascending order.
func (d *Dashboard) SelectedIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, 0, len(d.selected))
	for id := range d.selected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RiskCounts tallies the FULL collection per risk level, independent of the
// active filters.
type RiskCounts struct {
	High int `json:"high"`
	Mid  int `json:"mid"`
	Low  int `json:"low"`
	No   int `json:"no"`
}

// TypeCounts tallies the FULL collection per post type.
type TypeCounts struct {
	Original int `json:"original"`
	Reply    int `json:"reply"`
	Quote    int `json:"quote"`
	Repost   int `json:"repost"`
}

// View is a consistent snapshot of everything the results screen renders.
type View struct {
	Items         []model.RiskItem `json:"items"`
	FilteredTotal int              `json:"filtered_total"`
	VisibleCount  int              `json:"visible_count"`
	Total         int              `json:"total"`

	ContentLabels  []string                 `json:"content_labels"`
	ContentFilters map[string]bool          `json:"content_filters"`
	RiskFilters    map[model.RiskLevel]bool `json:"risk_filters"`
	TypeFilters    map[model.PostType]bool  `json:"post_type_filters"`

	RiskCounts RiskCounts               `json:"risk_counts"`
	TypeCounts TypeCounts               `json:"post_type_counts"`
	PostTypes  map[int64]model.PostType `json:"post_types"`

	SelectedIDs []int64 `json:"selected_ids"`
	AllSelected bool    `json:"all_selected"`

	CleanAccount  bool `json:"clean_account"`
	NoData        bool `json:"no_data"`
	AllRemoved    bool `json:"all_removed"`
	NothingToShow bool `json:"nothing_to_show"`
	AllFiltersOff bool `json:"all_filters_off"`
}

// Snapshot computes the current view under the lock.
func (d *Dashboard) Snapshot() View {
	d.mu.Lock()
	defer d.mu.Unlock()

	filtered := filter.Apply(d.items, d.filters, d.typeOf)
	visible := d.visible
	if visible > len(filtered) {
		visible = len(filtered)
	}

	v := View{
		Items:          append([]model.RiskItem(nil), filtered[:visible]...),
		FilteredTotal:  len(filtered),
		VisibleCount:   d.visible,
		Total:          len(d.items),
		ContentLabels:  append([]string(nil), d.contentLabels...),
		ContentFilters: make(map[string]bool, len(d.filters.Content)),
		RiskFilters:    make(map[model.RiskLevel]bool, len(d.filters.Risk)),
		TypeFilters:    make(map[model.PostType]bool, len(d.filters.Type)),
		PostTypes:      make(map[int64]model.PostType, len(filtered)),
		SelectedIDs:    make([]int64, 0, len(d.selected)),
	}
	for k, on := range d.filters.Content {
		v.ContentFilters[k] = on
	}
	for k, on := range d.filters.Risk {
		v.RiskFilters[k] = on
	}
	for k, on := range d.filters.Type {
		v.TypeFilters[k] = on
	}

	hasRisk := false
	for _, it := range d.items {
		switch it.RiskLevel {
		case model.RiskHigh:
			v.RiskCounts.High++
			hasRisk = true
		case model.RiskMid:
			v.RiskCounts.Mid++
			hasRisk = true
		case model.RiskLow:
			v.RiskCounts.Low++
			hasRisk = true
		case model.RiskNone:
			v.RiskCounts.No++
		}
		switch d.typeOf(it) {
		case model.PostOriginal:
			v.TypeCounts.Original++
		case model.PostReply:
			v.TypeCounts.Reply++
		case model.PostQuote:
			v.TypeCounts.Quote++
		case model.PostRepost:
			v.TypeCounts.Repost++
		}
	}
	for _, it := range filtered {
		v.PostTypes[it.TweetID] = d.typeOf(it)
	}

	for id := range d.selected {
		v.SelectedIDs = append(v.SelectedIDs, id)
	}
	sort.Slice(v.SelectedIDs, func(i, j int) bool { return v.SelectedIDs[i] < v.SelectedIDs[j] })
	v.AllSelected = len(filtered) > 0 && d.allSelectedLocked(filtered)

	v.CleanAccount = len(d.items) > 0 && !hasRisk
	v.NoData = !d.hadData && len(d.items) == 0
	v.AllRemoved = d.hadData && len(d.items) == 0
	v.NothingToShow = !v.AllRemoved && len(filtered) == 0
	v.AllFiltersOff = d.allFiltersOffLocked()
	return v
}

func (d *Dashboard) allFiltersOffLocked() bool {
	for _, on := range d.filters.Content {
		if on {
			return false
		}
	}
	for _, on := range d.filters.Risk {
		if on {
			return false
		}
	}
	for _, on := range d.filters.Type {
		if on {
			return false
		}
	}
	return len(d.filters.Content) > 0
}
