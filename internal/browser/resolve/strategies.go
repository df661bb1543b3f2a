package resolve

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
)

// Strategy locates an element in a parsed DOM snapshot. Implementations are
// pure: they never touch the live page, only the document they are given.
// Locate returns a nil selection when nothing matched.
type Strategy interface {
	Name() string
	Locate(doc *goquery.Document) (*goquery.Selection, error)
}

// NormalizeText collapses all whitespace runs to single spaces and trims the
// ends, which is how the target application's labels are compared.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// -- By Visible Text --

type byText struct {
	scope string
	text  string
}

// ByText matches elements within scope by their normalized visible text,
// preferring an exact match over a contains match.
func ByText(scope, text string) Strategy {
	return &byText{scope: scope, text: text}
}

func (s *byText) Name() string {
	return fmt.Sprintf("by-text(%q in %s)", s.text, s.scope)
}

func (s *byText) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	want := NormalizeText(s.text)
	if want == "" {
		return nil, fmt.Errorf("by-text: empty target text")
	}

	var exact, contains *goquery.Selection
	doc.Find(s.scope).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		got := NormalizeText(el.Text())
		if got == want {
			exact = el
			return false
		}
		if contains == nil && strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
			contains = el
		}
		return true
	})

	if exact != nil {
		return exact, nil
	}
	return contains, nil
}

// -- By Attribute Substring --

type byAttr struct {
	scope  string
	attr   string
	substr string
}

// ByAttr matches the first element within scope whose attribute value
// contains substr. Useful for the target's stable-ish fragments inside
// otherwise generated attribute values.
func ByAttr(scope, attr, substr string) Strategy {
	return &byAttr{scope: scope, attr: attr, substr: substr}
}

func (s *byAttr) Name() string {
	return fmt.Sprintf("by-attr(%s~%q in %s)", s.attr, s.substr, s.scope)
}

func (s *byAttr) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	if s.substr == "" {
		return nil, fmt.Errorf("by-attr: empty substring")
	}
	sel := fmt.Sprintf("%s[%s]", s.scope, s.attr)
	var found *goquery.Selection
	doc.Find(sel).EachWithBreak(func(_ int, el *goquery.Selection) bool {
		val, _ := el.Attr(s.attr)
		if strings.Contains(val, s.substr) {
			found = el
			return false
		}
		return true
	})
	return found, nil
}

// -- By Structural Position --

type byPosition struct {
	container string
	kind      string
	index     int
}

// ByPosition matches the index-th element of the given kind inside the first
// element matching container. The last resort for controls with neither
// stable text nor attributes.
func ByPosition(container, kind string, index int) Strategy {
	return &byPosition{container: container, kind: kind, index: index}
}

func (s *byPosition) Name() string {
	return fmt.Sprintf("by-position(%s[%d] in %s)", s.kind, s.index, s.container)
}

func (s *byPosition) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	if s.index < 0 {
		return nil, fmt.Errorf("by-position: negative index %d", s.index)
	}
	root := doc.Find(s.container).First()
	if root.Length() == 0 {
		return nil, nil
	}
	el := root.Find(s.kind).Eq(s.index)
	if el.Length() == 0 {
		return nil, nil
	}
	return el, nil
}

// -- By Row Pattern --

// CellMatch constrains one cell of a candidate row. Index is the zero-based
// cell position, or -1 to accept the match in any cell. Equals wins over
// Pattern when both are set.
type CellMatch struct {
	Index   int
	Equals  string
	Pattern string
}

type byRowPattern struct {
	rowScope string
	cells    []CellMatch
	globs    []glob.Glob
	buildErr error
}

// ByRowPattern matches the first table row (in document order) whose cells
// satisfy every CellMatch. Patterns are glob syntax, matched against
// normalized cell text.
func ByRowPattern(rowScope string, cells ...CellMatch) Strategy {
	s := &byRowPattern{rowScope: rowScope, cells: cells}
	s.globs = make([]glob.Glob, len(cells))
	for i, c := range cells {
		if c.Equals != "" || c.Pattern == "" {
			continue
		}
		g, err := glob.Compile(c.Pattern)
		if err != nil {
			s.buildErr = fmt.Errorf("by-row-pattern: bad pattern %q: %w", c.Pattern, err)
			break
		}
		s.globs[i] = g
	}
	return s
}

func (s *byRowPattern) Name() string {
	parts := make([]string, 0, len(s.cells))
	for _, c := range s.cells {
		if c.Equals != "" {
			parts = append(parts, fmt.Sprintf("=%q", c.Equals))
		} else {
			parts = append(parts, fmt.Sprintf("~%q", c.Pattern))
		}
	}
	return fmt.Sprintf("by-row-pattern(%s in %s)", strings.Join(parts, ","), s.rowScope)
}

func (s *byRowPattern) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	if s.buildErr != nil {
		return nil, s.buildErr
	}
	if len(s.cells) == 0 {
		return nil, fmt.Errorf("by-row-pattern: no cell constraints")
	}

	var found *goquery.Selection
	doc.Find(s.rowScope).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if s.rowMatches(row) {
			found = row
			return false
		}
		return true
	})
	return found, nil
}

func (s *byRowPattern) rowMatches(row *goquery.Selection) bool {
	cells := row.Find("td")
	if cells.Length() == 0 {
		return false
	}
	texts := make([]string, cells.Length())
	cells.Each(func(i int, c *goquery.Selection) {
		texts[i] = NormalizeText(c.Text())
	})

	for i, c := range s.cells {
		if !s.cellMatches(c, s.globs[i], texts) {
			return false
		}
	}
	return true
}

func (s *byRowPattern) cellMatches(c CellMatch, g glob.Glob, texts []string) bool {
	match := func(text string) bool {
		if c.Equals != "" {
			return text == c.Equals
		}
		if g != nil {
			return g.Match(text)
		}
		return false
	}

	if c.Index >= 0 {
		if c.Index >= len(texts) {
			return false
		}
		return match(texts[c.Index])
	}
	for _, text := range texts {
		if match(text) {
			return true
		}
	}
	return false
}
