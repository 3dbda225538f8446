package registration

import "strings"

// Filter keeps entries whose name, email, phone or category contain query,
// ignoring case. Order is preserved.
func Filter(entries []Entry, query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.FullName), q) ||
			strings.Contains(strings.ToLower(e.Email), q) ||
			strings.Contains(strings.ToLower(e.Phone), q) ||
			strings.Contains(string(e.Category), q) {
			out = append(out, e)
		}
	}
	return out
}

// Summarize counts entries per category and the people they cover.
func Summarize(entries []Entry) Summary {
	s := Summary{ByCategory: make(map[Category]int, len(Categories()))}
	for _, c := range Categories() {
		s.ByCategory[c] = 0
	}
	for _, e := range entries {
		s.Total++
		s.Attendees += e.Attendees()
		s.ByCategory[e.Category]++
	}
	return s
}
