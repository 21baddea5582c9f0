package monitor

import "strings"

// Search scans the event list for a case-insensitive substring of text or
// author, stores the query, and parks the cursor on the most recent match.
// Returns the match count.
func (m *Monitor) Search(query string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchQuery = query
	m.rebuildMatchesLocked()
	return len(m.searchMatches)
}

// Query returns the active search query, empty when no search is active.
func (m *Monitor) Query() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchQuery
}

// CurrentMatch returns the event index the cursor sits on.
func (m *Monitor) CurrentMatch() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.searchMatches) == 0 {
		return 0, false
	}
	return m.searchMatches[m.searchCursor], true
}

// NextMatch advances the cursor toward newer matches, wrapping around.
func (m *Monitor) NextMatch() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.searchMatches) == 0 {
		return 0, false
	}
	m.searchCursor = (m.searchCursor + 1) % len(m.searchMatches)
	return m.searchMatches[m.searchCursor], true
}

// PrevMatch moves the cursor toward older matches, wrapping around.
func (m *Monitor) PrevMatch() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.searchMatches)
	if n == 0 {
		return 0, false
	}
	m.searchCursor = (m.searchCursor - 1 + n) % n
	return m.searchMatches[m.searchCursor], true
}

// ClearSearch drops the query and all match state.
func (m *Monitor) ClearSearch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearSearchLocked()
}

// RebuildSearch re-runs the stored query over the current event list. Used
// after reloads and by the RebuildSearch bus topic. Returns the new match
// count.
func (m *Monitor) RebuildSearch() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildMatchesLocked()
	return len(m.searchMatches)
}

func (m *Monitor) clearSearchLocked() {
	m.searchQuery = ""
	m.searchMatches = nil
	m.searchCursor = 0
}

func (m *Monitor) rebuildMatchesLocked() {
	m.searchMatches = m.searchMatches[:0]
	query := strings.ToLower(m.searchQuery)
	if query == "" {
		m.searchCursor = 0
		return
	}
	for i, ev := range m.events {
		if strings.Contains(strings.ToLower(ev.Text), query) ||
			strings.Contains(strings.ToLower(ev.Author), query) {
			m.searchMatches = append(m.searchMatches, i)
		}
	}
	// Park on the newest match; /prev walks history from there.
	if n := len(m.searchMatches); n > 0 {
		m.searchCursor = n - 1
	} else {
		m.searchCursor = 0
	}
}
