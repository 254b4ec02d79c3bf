package feeds

import (
	"strings"

	"paperfeed/models"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
)

// Filter decides whether a paper is displayable. Papers that fail any filter
// never enter a feed's buffer.
type Filter interface {
	Keep(paper models.Paper) bool
}

// AbstractFilter drops papers without an abstract
type AbstractFilter struct{}

func (f *AbstractFilter) Keep(paper models.Paper) bool {
	return strings.TrimSpace(paper.Abstract) != ""
}

// TitleFilter drops papers without a title
type TitleFilter struct{}

func (f *TitleFilter) Keep(paper models.Paper) bool {
	return strings.TrimSpace(paper.Title) != ""
}

// LanguageFilter keeps papers whose abstract is written in one of the given languages
type LanguageFilter struct {
	detector  lingua.LanguageDetector
	languages []lingua.Language
}

// NewLanguageFilter builds a filter from ISO 639-1 codes. Unknown codes are
// ignored; it returns nil when no code is recognised.
func NewLanguageFilter(isoCodes []string) *LanguageFilter {
	languages := lo.FilterMap(isoCodes, func(code string, _ int) (lingua.Language, bool) {
		return isoToLingua(code)
	})
	languages = lo.Uniq(languages)
	if len(languages) == 0 {
		return nil
	}

	return &LanguageFilter{
		detector: lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithMinimumRelativeDistance(0.25).
			Build(),
		languages: languages,
	}
}

func (f *LanguageFilter) Keep(paper models.Paper) bool {
	text := strings.TrimSpace(paper.Abstract)
	if text == "" {
		text = strings.TrimSpace(paper.Title)
	}
	if text == "" {
		return false
	}

	detected, ok := f.detector.DetectLanguageOf(text)
	if !ok {
		// Undecided
		return true
	}
	return lo.Contains(f.languages, detected)
}

func isoToLingua(code string) (lingua.Language, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, lang := range lingua.AllLanguages() {
		if strings.ToLower(lang.IsoCode639_1().String()) == code {
			return lang, true
		}
	}
	return lingua.Unknown, false
}

// DefaultFilters only requires an abstract
func DefaultFilters() []Filter {
	return []Filter{&AbstractFilter{}}
}

func displayable(paper models.Paper, filters []Filter) bool {
	return lo.EveryBy(filters, func(f Filter) bool {
		return f.Keep(paper)
	})
}

var _ Filter = (*AbstractFilter)(nil)
var _ Filter = (*TitleFilter)(nil)
var _ Filter = (*LanguageFilter)(nil)
