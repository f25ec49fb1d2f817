// Package sanitize implements the optional sanitiser spec.md §4.2 describes:
// "a pure parser may transform the boosted text into a structured JSON
// (pages/inscriptions/parties)". The pipeline stores its output in
// file_content only when the feature is enabled (config.SanitizerConfig).
package sanitize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// pageMarker matches the literal "--- Page N ---" separator the pipeline
// inserts between concatenated page extractions (spec §4.2 step 5).
var pageMarker = regexp.MustCompile(`(?m)^--- Page (\d+) ---$`)

// Document is the structured JSON shape spec §4.2 names: pages,
// inscriptions, parties. Inscriptions and Parties are intentionally
// permissive (map[string]any) since the LLM output's internal shape is not
// specified further.
type Document struct {
	Pages        []Page           `json:"pages"`
	Inscriptions []map[string]any `json:"inscriptions"`
	Parties      []map[string]any `json:"parties"`
}

// Page is one page's raw text segment, split on the pipeline's page marker.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Sanitize splits boosted text on page markers into Pages and returns the
// Document as JSON. It does not parse inscriptions or parties: both lists
// are always empty. Text before the first page marker is not kept; with no
// marker at all, the whole text becomes page 1. An error is returned only
// if JSON encoding fails.
func Sanitize(boostedText string) (string, error) {
	doc := Document{
		Pages:        splitPages(boostedText),
		Inscriptions: []map[string]any{},
		Parties:      []map[string]any{},
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitPages(text string) []Page {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []Page{{Number: 1, Text: strings.TrimSpace(text)}}
	}

	var pages []Page
	for i, loc := range locs {
		start := loc[1]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		numStr := text[loc[2]:loc[3]]
		var num int
		for _, r := range numStr {
			num = num*10 + int(r-'0')
		}
		pages = append(pages, Page{Number: num, Text: strings.TrimSpace(text[start:end])})
	}
	return pages
}
