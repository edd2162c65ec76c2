package candidate

import (
	"math"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Node is one entry of an accessibility snapshot.
type Node struct {
	Role     string
	Name     string
	Children []*Node
}

// Candidate is an observed accessible element, optionally scored against a query.
type Candidate struct {
	Role  string  `json:"role"`
	Name  string  `json:"name"`
	Score float64 `json:"score,omitempty"`
}

var (
	clickRoles = map[string]bool{
		"button":   true,
		"link":     true,
		"menuitem": true,
		"tab":      true,
		"checkbox": true,
		"radio":    true,
	}
	fillRoles = map[string]bool{
		"textbox":   true,
		"searchbox": true,
		"combobox":  true,
	}
)

// Collect walks the tree in pre-order and returns every node that carries
// both a role and an accessible name. Repeated role|name pairs keep their
// first position.
func Collect(root *Node) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate

	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		role := strings.TrimSpace(n.Role)
		name := strings.TrimSpace(n.Name)
		if role != "" && name != "" {
			key := role + "|" + name
			if !seen[key] {
				seen[key] = true
				out = append(out, Candidate{Role: role, Name: name})
			}
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

// FilterByAction keeps only roles that make sense for the action. Actions
// other than click and fill are not filtered. The result may be empty.
func FilterByAction(cands []Candidate, action string) []Candidate {
	var allowed map[string]bool
	switch action {
	case "click":
		allowed = clickRoles
	case "fill":
		allowed = fillRoles
	default:
		return cands
	}

	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if allowed[strings.ToLower(c.Role)] {
			out = append(out, c)
		}
	}
	return out
}

// Similarity is the SequenceMatcher ratio of the two lowercased strings.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == "" || b == "" {
		return 0
	}
	m := difflib.NewMatcher(runes(a), runes(b))
	return m.Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Ranker scores candidates against a query.
type Ranker struct {
	RoleBonus float64
	TopN      int
}

// Rank scores every candidate, sorts descending with ties kept in walk
// order, and truncates to TopN. Scores are rounded to three decimals before
// sorting. The input slice is not modified.
func (r Ranker) Rank(cands []Candidate, query, role string) []Candidate {
	scored := make([]Candidate, len(cands))
	for i, c := range cands {
		score := Similarity(query, c.Name)
		if role != "" && strings.EqualFold(c.Role, role) {
			score += r.RoleBonus
		}
		scored[i] = Candidate{Role: c.Role, Name: c.Name, Score: roundScore(score)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if r.TopN > 0 && len(scored) > r.TopN {
		scored = scored[:r.TopN]
	}
	return scored
}

func roundScore(s float64) float64 {
	return math.Round(s*1000) / 1000
}
