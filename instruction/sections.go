package instruction

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PreambleSection names the text that precedes the first numbered header.
const PreambleSection = "_preamble"

var headerRe = regexp.MustCompile(`(?m)^## \d+\. [^\n]+`)

// Section is one named part of an instruction document. Name excludes the
// leading "## ".
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ParseSections splits text on "## N. Title" headers. Leading text becomes
// the PreambleSection. Order follows the document.
func ParseSections(text string) []Section {
	var sections []Section

	locs := headerRe.FindAllStringIndex(text, -1)
	end := len(text)
	if len(locs) > 0 {
		end = locs[0][0]
	}
	if pre := strings.TrimSpace(text[:end]); pre != "" {
		sections = append(sections, Section{Name: PreambleSection, Content: pre})
	}

	for i, loc := range locs {
		header := strings.TrimSpace(text[loc[0]:loc[1]])
		bodyEnd := len(text)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		sections = append(sections, Section{
			Name:    strings.TrimSpace(strings.TrimPrefix(header, "##")),
			Content: strings.TrimSpace(text[loc[1]:bodyEnd]),
		})
	}
	return sections
}

// Reassemble renders sections back into a document. The preamble, if
// present, is written first regardless of its position.
func Reassemble(sections []Section) string {
	var parts []string
	for _, s := range sections {
		if s.Name == PreambleSection {
			parts = append(parts, s.Content, "")
			break
		}
	}
	for _, s := range sections {
		if s.Name == PreambleSection {
			continue
		}
		parts = append(parts, "## "+s.Name, s.Content, "")
	}
	return strings.TrimSpace(strings.Join(parts, "\n")) + "\n"
}

// SectionsFromMap orders a name -> content map: preamble first, then by the
// leading section number, then by name.
func SectionsFromMap(m map[string]string) []Section {
	out := make([]Section, 0, len(m))
	for name, content := range m {
		out = append(out, Section{Name: name, Content: content})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Name == PreambleSection) != (b.Name == PreambleSection) {
			return a.Name == PreambleSection
		}
		na, oka := sectionNumber(a.Name)
		nb, okb := sectionNumber(b.Name)
		switch {
		case oka && okb && na != nb:
			return na < nb
		case oka != okb:
			return oka
		}
		return a.Name < b.Name
	})
	return out
}

func sectionNumber(name string) (int, bool) {
	dot := strings.IndexByte(name, '.')
	if dot <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[:dot])
	return n, err == nil
}
