package merge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/iliyamo/checkin-reconciler/internal/model"
)

// Rules is the naming policy the detector consults.
type Rules interface {
	IsNeverMerge(name string) bool
	IsRestrictedVariant(name string) bool
	StripRestricted(name string) string
}

// Group is a set of live events on one venue-local day that represent
// the same occurrence.
type Group struct {
	Day    string        `json:"day"`
	Events []model.Event `json:"events"`
}

// IDs returns the event ids of the group in order.
func (g Group) IDs() []uint64 {
	ids := make([]uint64, len(g.Events))
	for i, e := range g.Events {
		ids[i] = e.ID
	}
	return ids
}

const month = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	embeddedDates = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*,?\s+)?\d{1,2}(?:st|nd|rd|th)?\s+` + month + `\.?(?:,?\s+\d{4})?\b`),
		regexp.MustCompile(`(?i)\b(?:(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*,?\s+)?` + month + `\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?\b`),
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}[/.]\d{1,2}[/.]\d{2,4}\b`),
	}
	spaces = regexp.MustCompile(`\s+`)
)

const trimSet = " -–—:|,/()[]"

// BaseName strips the restricted-variant marker and any embedded date
// from an event name, keeping the original case.
func BaseName(rules Rules, name string) string {
	s := rules.StripRestricted(name)
	for _, re := range embeddedDates {
		s = re.ReplaceAllString(s, " ")
	}
	s = spaces.ReplaceAllString(s, " ")
	return strings.Trim(s, trimSet)
}

func baseKey(rules Rules, name string) string {
	return strings.ToLower(BaseName(rules, name))
}

// IsCandidatePair reports whether two same-day events may be merged:
// neither is on the exclusion list, exactly one is a restricted variant,
// and their base names match or one extends the other.
func IsCandidatePair(rules Rules, a, b string) bool {
	if rules.IsNeverMerge(a) || rules.IsNeverMerge(b) {
		return false
	}
	if rules.IsRestrictedVariant(a) == rules.IsRestrictedVariant(b) {
		return false
	}
	ka, kb := baseKey(rules, a), baseKey(rules, b)
	if ka == "" || kb == "" {
		return false
	}
	return ka == kb || strings.HasPrefix(ka, kb) || strings.HasPrefix(kb, ka)
}

// FindDuplicateEvents groups live events that represent the same
// occurrence.  Events are bucketed by venue-local calendar day.  Each group
// is anchored on one regular event and holds the restricted variants that
// pair with it; a variant pairing with more than one regular event that
// day is ambiguous and is left out for an operator to resolve.
func (e *Engine) FindDuplicateEvents(ctx context.Context) ([]Group, error) {
	events, err := e.events.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	byDay := make(map[string][]model.Event)
	for _, ev := range events {
		day := ev.EventDate.In(e.loc).Format("2006-01-02")
		byDay[day] = append(byDay[day], ev)
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	var groups []Group
	for _, day := range days {
		groups = append(groups, e.anchoredGroups(day, byDay[day])...)
	}
	return groups, nil
}

func (e *Engine) anchoredGroups(day string, events []model.Event) []Group {
	if len(events) < 2 {
		return nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	var regulars, variants []model.Event
	for _, ev := range events {
		if e.rules.IsRestrictedVariant(ev.Name) {
			variants = append(variants, ev)
		} else {
			regulars = append(regulars, ev)
		}
	}

	attached := make(map[uint64][]model.Event)
	for _, v := range variants {
		var matches []model.Event
		for _, r := range regulars {
			if IsCandidatePair(e.rules, r.Name, v.Name) {
				matches = append(matches, r)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			attached[matches[0].ID] = append(attached[matches[0].ID], v)
		default:
			ids := make([]uint64, len(matches))
			for i, m := range matches {
				ids[i] = m.ID
			}
			e.log.Warn("ambiguous restricted variant, not merged",
				"day", day, "event_id", v.ID, "name", v.Name, "matches", ids)
		}
	}

	var out []Group
	for _, r := range regulars {
		if vs := attached[r.ID]; len(vs) > 0 {
			out = append(out, Group{Day: day, Events: append([]model.Event{r}, vs...)})
		}
	}
	return out
}

// checkShape verifies that a group is one regular event and restricted
// variants that each pair with it.
func checkShape(rules Rules, events []model.Event) error {
	var anchor *model.Event
	for i := range events {
		if rules.IsRestrictedVariant(events[i].Name) {
			continue
		}
		if anchor != nil {
			return fmt.Errorf("events %d and %d are both regular events", anchor.ID, events[i].ID)
		}
		anchor = &events[i]
	}
	if anchor == nil {
		return errors.New("group has no regular event")
	}
	for _, ev := range events {
		if ev.ID == anchor.ID {
			continue
		}
		if !IsCandidatePair(rules, anchor.Name, ev.Name) {
			return fmt.Errorf("event %d (%q) does not pair with %d (%q)", ev.ID, ev.Name, anchor.ID, anchor.Name)
		}
	}
	return nil
}
