// Package matcher ranks catalogue partners and event sessions against a
// contractor's focus areas with an in-memory bleve index.
package matcher

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/blevesearch/bleve"
	"gopkg.in/yaml.v3"
)

const (
	kindPartner = "partner"
	kindSession = "session"
)

// Partner is a strategic partner contractors can be introduced to.
type Partner struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Categories  []string `yaml:"categories" json:"categories"`
	Regions     []string `yaml:"regions" json:"regions,omitempty"`
}

// Session is an event session contractors can be pointed to.
type Session struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Speaker     string    `yaml:"speaker" json:"speaker,omitempty"`
	Description string    `yaml:"description" json:"description"`
	Topics      []string  `yaml:"topics" json:"topics"`
	StartsAt    time.Time `yaml:"starts_at" json:"starts_at"`
}

// Catalog is the on-disk shape of the matcher data.
type Catalog struct {
	Partners []Partner `yaml:"partners"`
	Sessions []Session `yaml:"sessions"`
}

// Match is a ranked hit.
type Match struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// Matcher serves partner and session lookups.
type Matcher struct {
	mu       sync.RWMutex
	index    bleve.Index
	partners map[string]Partner
	sessions map[string]Session
}

// LoadCatalog reads a YAML catalogue file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	return c, nil
}

// New indexes the catalogue. An empty catalogue is valid and matches nothing.
func New(c Catalog) (*Matcher, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	m := &Matcher{
		index:    index,
		partners: make(map[string]Partner, len(c.Partners)),
		sessions: make(map[string]Session, len(c.Sessions)),
	}
	for _, p := range c.Partners {
		if err := m.AddPartner(p); err != nil {
			return nil, err
		}
	}
	for _, s := range c.Sessions {
		if err := m.AddSession(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Matcher) AddPartner(p Partner) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("partner id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partners[p.ID] = p
	return m.index.Index(docID(kindPartner, p.ID), map[string]interface{}{
		"kind": kindPartner,
		"name": p.Name,
		"text": joinText(p.Description, p.Categories, p.Regions),
	})
}

func (m *Matcher) AddSession(s Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return m.index.Index(docID(kindSession, s.ID), map[string]interface{}{
		"kind": kindSession,
		"name": s.Title,
		"text": joinText(s.Description+" "+s.Speaker, s.Topics),
	})
}

// Partners returns up to k partners ranked against the given terms.
func (m *Matcher) Partners(terms []string, k int) ([]Match, error) {
	return m.search(kindPartner, terms, k)
}

// Sessions returns up to k sessions ranked against the given terms. Sessions
// that already started before now are skipped when now is set.
func (m *Matcher) Sessions(terms []string, k int, now time.Time) ([]Match, error) {
	hits, err := m.search(kindSession, terms, k*2)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	m.mu.RLock()
	for _, h := range hits {
		s := m.sessions[h.ID]
		if !now.IsZero() && !s.StartsAt.IsZero() && s.StartsAt.Before(now) {
			continue
		}
		h.Rank = len(out) + 1
		out = append(out, h)
		if len(out) >= k {
			break
		}
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Matcher) search(kind string, terms []string, k int) ([]Match, error) {
	q := queryString(terms)
	if q == "" || k <= 0 {
		return nil, nil
	}
	kindQ := bleve.NewTermQuery(kind)
	kindQ.SetField("kind")
	query := bleve.NewConjunctionQuery(kindQ, bleve.NewQueryStringQuery(q))
	req := bleve.NewSearchRequestOptions(query, k, 0, false)

	m.mu.RLock()
	defer m.mu.RUnlock()
	res, err := m.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", kind, err)
	}
	out := make([]Match, 0, len(res.Hits))
	for i, hit := range res.Hits {
		id := strings.TrimPrefix(hit.ID, kind+":")
		match := Match{ID: id, Score: hit.Score, Rank: i + 1}
		switch kind {
		case kindPartner:
			p := m.partners[id]
			match.Name, match.Summary = p.Name, snippet(p.Description)
		case kindSession:
			s := m.sessions[id]
			match.Name, match.Summary = s.Title, snippet(s.Description)
		}
		out = append(out, match)
	}
	return out, nil
}

func joinText(head string, lists ...[]string) string {
	parts := []string{head}
	for _, l := range lists {
		parts = append(parts, l...)
	}
	return strings.Join(parts, " ")
}

func docID(kind, id string) string { return kind + ":" + id }

// queryString turns free-form focus terms into a disjunctive query string,
// dropping query syntax characters.
func queryString(terms []string) string {
	var words []string
	for _, t := range terms {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return ' '
		}, t)
		words = append(words, strings.Fields(clean)...)
	}
	return strings.Join(words, " ")
}

func snippet(s string) string {
	if len(s) <= 160 {
		return s
	}
	return s[:160] + "..."
}
