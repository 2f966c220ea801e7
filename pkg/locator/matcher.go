package locator

import (
	"slices"
	"sort"
	"strings"
	"unicode"
)

// Matcher selects candidate nodes from a snapshot. Candidates are returned
// in the order the matcher prefers them; document order unless stated.
type Matcher struct {
	Name   string
	Select func(s *Snapshot) []*Node
}

// Match is the result of a successful query.
type Match struct {
	Node    *Node
	Bounds  Bounds
	Point   Point
	Level   int
	Matcher string
}

// Query is an ordered fallback chain. The first matcher that yields at
// least one node with usable bounds wins; later matchers are not consulted.
type Query []Matcher

// Find evaluates the chain against s.
func (q Query) Find(s *Snapshot) (Match, bool) {
	if s == nil || s.Root == nil {
		return Match{}, false
	}
	for level, m := range q {
		if m.Select == nil {
			continue
		}
		for _, n := range m.Select(s) {
			b, ok := n.Rect()
			if !ok || b.Empty() {
				continue
			}
			return Match{Node: n, Bounds: b, Point: b.Center(), Level: level, Matcher: m.Name}, true
		}
	}
	return Match{}, false
}

// FindRaw parses raw and evaluates the chain.
func (q Query) FindRaw(raw string) (Match, bool) {
	s, ok := Parse(raw)
	if !ok {
		return Match{}, false
	}
	return q.Find(s)
}

// Only returns the matchers of q with the given names, in chain order.
func (q Query) Only(names ...string) Query {
	out := make(Query, 0, len(names))
	for _, m := range q {
		for _, n := range names {
			if m.Name == n {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Names of the resource id matchers.
const (
	IDName         = "id"
	IDContainsName = "id-contains"
)

// ByPredicate wraps an arbitrary predicate.
func ByPredicate(name string, pred func(*Node) bool) Matcher {
	return Matcher{Name: name, Select: func(s *Snapshot) []*Node { return s.Collect(pred) }}
}

// ByID matches a resource id exactly, or by its short ":id/<name>" suffix.
func ByID(ids ...string) Matcher {
	return ByPredicate(IDName, func(n *Node) bool {
		for _, id := range ids {
			if n.ResourceID == id || strings.HasSuffix(n.ResourceID, ":id/"+id) {
				return true
			}
		}
		return false
	})
}

// ByIDContains matches resource ids containing any of the fragments.
func ByIDContains(fragments ...string) Matcher {
	return ByPredicate(IDContainsName, func(n *Node) bool {
		if n.ResourceID == "" {
			return false
		}
		for _, f := range fragments {
			if strings.Contains(n.ResourceID, f) {
				return true
			}
		}
		return false
	})
}

// ByText matches text or content description exactly, ignoring case.
func ByText(values ...string) Matcher {
	return ByPredicate("text", func(n *Node) bool {
		t := strings.TrimSpace(n.Text)
		d := strings.TrimSpace(n.ContentDesc)
		for _, v := range values {
			if strings.EqualFold(t, v) || strings.EqualFold(d, v) {
				return true
			}
		}
		return false
	})
}

// ByKeywords matches text or content description containing any keyword, ignoring case.
func ByKeywords(keywords ...string) Matcher {
	return ByPredicate("keywords", func(n *Node) bool {
		return containsAny(n.Text, keywords) || containsAny(n.ContentDesc, keywords)
	})
}

// ByDescKeywords matches content descriptions only.
func ByDescKeywords(keywords ...string) Matcher {
	return ByPredicate("desc-keywords", func(n *Node) bool {
		return containsAny(n.ContentDesc, keywords)
	})
}

// ByDescWords matches content descriptions containing any phrase as whole
// words, so "end" matches "End call" but not "Calendar" or "Send".
func ByDescWords(phrases ...string) Matcher {
	return ByPredicate("desc-words", func(n *Node) bool {
		return containsWords(n.ContentDesc, phrases)
	})
}

// ByClassClickable matches clickable nodes of the given class.
func ByClassClickable(class string) Matcher {
	return ByPredicate("class-clickable", func(n *Node) bool {
		return n.Class == class && n.IsClickable()
	})
}

// BottomMostName is the name of the BottomMostClickable matcher.
const BottomMostName = "bottom-most-clickable"

// BottomMostClickable orders clickable nodes by descending bottom edge.
// Ties keep document order.
func BottomMostClickable() Matcher {
	return Matcher{Name: BottomMostName, Select: func(s *Snapshot) []*Node {
		type candidate struct {
			node   *Node
			bottom int
		}
		var cands []candidate
		for _, n := range s.Nodes() {
			if !n.IsClickable() {
				continue
			}
			b, ok := n.Rect()
			if !ok {
				continue
			}
			cands = append(cands, candidate{node: n, bottom: b.Bottom})
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].bottom > cands[j].bottom })
		out := make([]*Node, len(cands))
		for i, c := range cands {
			out[i] = c.node
		}
		return out
	}}
}

// ByQuery matches an attribute query such as "clickable=true AND text~OK".
//
// Operators: = (exact), : and ~ (contains), ^ (prefix), $ (suffix), all
// case-insensitive. AND binds tighter than OR. A bare word searches text,
// content description and resource id.
func ByQuery(query string) Matcher {
	return ByPredicate("query:"+query, func(n *Node) bool { return matchQuery(n, query) })
}

func matchQuery(n *Node, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return false
	}

	if parts := splitQuery(query, " OR "); len(parts) > 1 {
		for _, p := range parts {
			if matchQuery(n, p) {
				return true
			}
		}
		return false
	}

	if parts := splitQuery(query, " AND "); len(parts) > 1 {
		for _, p := range parts {
			if !matchQuery(n, p) {
				return false
			}
		}
		return true
	}

	return evaluateCondition(n, query)
}

// splitQuery splits query by separator (case insensitive)
func splitQuery(query, sep string) []string {
	lowerQuery := strings.ToLower(query)
	lowerSep := strings.ToLower(sep)

	var parts []string
	start := 0
	for {
		idx := strings.Index(lowerQuery[start:], lowerSep)
		if idx == -1 {
			parts = append(parts, strings.TrimSpace(query[start:]))
			break
		}
		parts = append(parts, strings.TrimSpace(query[start:start+idx]))
		start += idx + len(sep)
	}
	return parts
}

func evaluateCondition(n *Node, condition string) bool {
	var attr, op, value string
	for _, operator := range []string{"~", "^", "$", "=", ":"} {
		if idx := strings.Index(condition, operator); idx != -1 {
			attr = strings.TrimSpace(condition[:idx])
			op = operator
			value = strings.TrimSpace(condition[idx+1:])
			break
		}
	}

	if attr == "" {
		lower := strings.ToLower(condition)
		return strings.Contains(strings.ToLower(n.Text), lower) ||
			strings.Contains(strings.ToLower(n.ContentDesc), lower) ||
			strings.Contains(strings.ToLower(n.ResourceID), lower)
	}

	attrValue := strings.ToLower(n.Attr(attr))
	value = strings.ToLower(value)
	switch op {
	case "=":
		return attrValue == value
	case ":", "~":
		return strings.Contains(attrValue, value)
	case "^":
		return strings.HasPrefix(attrValue, value)
	case "$":
		return strings.HasSuffix(attrValue, value)
	}
	return false
}

// ParseQueries builds a chain from attribute query strings.
func ParseQueries(queries []string) Query {
	var q Query
	for _, s := range queries {
		if strings.TrimSpace(s) == "" {
			continue
		}
		q = append(q, ByQuery(s))
	}
	return q
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsWords(s string, phrases []string) bool {
	have := words(s)
	if len(have) == 0 {
		return false
	}
	for _, p := range phrases {
		want := words(p)
		if len(want) == 0 || len(want) > len(have) {
			continue
		}
		for i := 0; i+len(want) <= len(have); i++ {
			if slices.Equal(have[i:i+len(want)], want) {
				return true
			}
		}
	}
	return false
}
