package catalog

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
)

// Criteria is a multi-criteria discovery request. Any combination of fields
// may be set; an entry must satisfy every field that is set.
type Criteria struct {
	// Query is matched case-insensitively against description and role,
	// by token and by substring.
	Query string
	// Tag requires exact membership in the entry's capability tags.
	Tag string
	// Role requires exact equality with the entry's role.
	Role string
	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// Match strategies echoed back to discovery callers.
const (
	StrategyListAll       = "list-all"
	StrategyFreeText      = "free-text"
	StrategyTag           = "capability"
	StrategyRole          = "role"
	StrategyMultiCriteria = "multi-criteria"
)

// Index is an immutable snapshot of the catalog, organized for constant-time
// discovery lookups. Rebuilt wholesale on reload; readers never observe a
// partially-built index.
type Index struct {
	all    []*Metadata // sorted by name
	byName map[string]*Metadata
	byTag  map[string][]*Metadata
	byRole map[string][]*Metadata
	// tokens maps lowercase description/role tokens to the entries that
	// carry them.
	tokens map[string][]*Metadata
}

// BuildIndex constructs a snapshot from loaded metadata. Input names must be
// unique (the indexer guarantees this).
func BuildIndex(entries []*Metadata) *Index {
	idx := &Index{
		all:    make([]*Metadata, len(entries)),
		byName: make(map[string]*Metadata, len(entries)),
		byTag:  make(map[string][]*Metadata),
		byRole: make(map[string][]*Metadata),
		tokens: make(map[string][]*Metadata),
	}
	copy(idx.all, entries)
	sort.Slice(idx.all, func(i, j int) bool { return idx.all[i].Name < idx.all[j].Name })

	for _, m := range idx.all {
		idx.byName[m.Name] = m
		for _, tag := range m.Capabilities {
			key := strings.ToLower(tag)
			idx.byTag[key] = append(idx.byTag[key], m)
		}
		if m.Role != "" {
			key := strings.ToLower(m.Role)
			idx.byRole[key] = append(idx.byRole[key], m)
		}
		seen := make(map[string]bool)
		for _, tok := range tokenize(m.Description + " " + m.Role) {
			if !seen[tok] {
				seen[tok] = true
				idx.tokens[tok] = append(idx.tokens[tok], m)
			}
		}
	}
	return idx
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int { return len(idx.all) }

// Get returns the metadata for a capability name, or nil if unknown.
func (idx *Index) Get(name string) *Metadata { return idx.byName[name] }

// All returns every entry, sorted by name.
func (idx *Index) All() []*Metadata { return idx.all }

// ByPlugin returns entries grouped under the given plugin label, sorted by name.
func (idx *Index) ByPlugin(plugin string) []*Metadata {
	var out []*Metadata
	for _, m := range idx.all {
		if m.Plugin == plugin {
			out = append(out, m)
		}
	}
	return out
}

// Discover answers a multi-criteria lookup against the snapshot. Results are
// ordered by relevance score, ties broken by name ascending for determinism.
// An empty result is not an error.
func (idx *Index) Discover(c Criteria) ([]*Metadata, string) {
	strategy := matchStrategy(c)
	if strategy == StrategyListAll {
		return limit(idx.all, c.Limit), strategy
	}

	// Candidate set from the most selective indexed criterion, then filter
	// by the rest. Posting lists keep this proportional to matches, not to
	// catalog size.
	scores := make(map[*Metadata]int)
	var candidates []*Metadata

	switch {
	case c.Tag != "":
		candidates = idx.byTag[strings.ToLower(c.Tag)]
	case c.Role != "":
		candidates = idx.byRole[strings.ToLower(c.Role)]
	default:
		candidates = idx.freeTextCandidates(c.Query)
	}

	for _, m := range candidates {
		score, ok := idx.score(m, c)
		if ok {
			scores[m] = score
		}
	}

	ranked := make([]*Metadata, 0, len(scores))
	for m := range scores {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i].Name < ranked[j].Name
	})
	return limit(ranked, c.Limit), strategy
}

// freeTextCandidates unions the posting lists of every indexed token that
// contains a query token as a substring. Candidates must use the same
// substring semantics as score, or a query-only search would miss entries
// the scored paths find.
func (idx *Index) freeTextCandidates(query string) []*Metadata {
	seen := make(map[*Metadata]bool)
	var out []*Metadata
	for _, tok := range tokenize(query) {
		for indexed, list := range idx.tokens {
			if !strings.Contains(indexed, tok) {
				continue
			}
			for _, m := range list {
				if !seen[m] {
					seen[m] = true
					out = append(out, m)
				}
			}
		}
	}
	return out
}

// score checks every set criterion against m and computes a relevance score:
// exact tag and role matches score higher than free-text token hits.
// Returns ok=false when any set criterion fails.
func (idx *Index) score(m *Metadata, c Criteria) (int, bool) {
	score := 0

	if c.Tag != "" {
		if !containsFold(m.Capabilities, c.Tag) {
			return 0, false
		}
		score += 3
	}
	if c.Role != "" {
		if !strings.EqualFold(m.Role, c.Role) {
			return 0, false
		}
		score += 3
	}
	if c.Query != "" {
		hits := 0
		haystack := strings.ToLower(m.Description + " " + m.Role)
		for _, tok := range tokenize(c.Query) {
			if strings.Contains(haystack, tok) {
				hits++
			}
		}
		if hits == 0 {
			return 0, false
		}
		score += hits
	}
	return score, true
}

func matchStrategy(c Criteria) string {
	set := 0
	strategy := StrategyListAll
	if c.Query != "" {
		set++
		strategy = StrategyFreeText
	}
	if c.Tag != "" {
		set++
		strategy = StrategyTag
	}
	if c.Role != "" {
		set++
		strategy = StrategyRole
	}
	if set > 1 {
		return StrategyMultiCriteria
	}
	return strategy
}

func limit(entries []*Metadata, n int) []*Metadata {
	if n > 0 && len(entries) > n {
		return entries[:n]
	}
	return entries
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Store holds the current index snapshot behind an atomic pointer so
// discovery reads never block and never observe a partial rebuild.
type Store struct {
	idx atomic.Pointer[Index]
}

// NewStore creates a store seeded with the given entries.
func NewStore(entries []*Metadata) *Store {
	s := &Store{}
	s.Swap(entries)
	return s
}

// Snapshot returns the current index. The returned snapshot is immutable.
func (s *Store) Snapshot() *Index {
	return s.idx.Load()
}

// Swap rebuilds the index from a fresh metadata set and publishes it
// atomically. Readers holding the old snapshot keep a consistent view.
func (s *Store) Swap(entries []*Metadata) {
	s.idx.Store(BuildIndex(entries))
}
