package security

import (
	"regexp"
)

// ContentCheckResult is the outcome of running input text through the
// safety patterns.
type ContentCheckResult struct {
	IsFlagged bool     `json:"is_flagged"`
	Flags     []string `json:"flags,omitempty"`
	// SafeToUse reports whether FilteredContent may be substituted for
	// the original input.
	SafeToUse       bool   `json:"safe_to_use"`
	FilteredContent string `json:"filtered_content"`
}

// ContentPattern pairs a flag name with its detection regex and the
// replacement used when filtering.
type ContentPattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultContentPatterns covers the common leak shapes: emails, phone
// numbers, card numbers, and API-key-looking strings.
func DefaultContentPatterns() []ContentPattern {
	return []ContentPattern{
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			Replacement: "[email]",
		},
		{
			Name:        "phone",
			Pattern:     regexp.MustCompile(`\+?\d[\d\- ]{8,14}\d`),
			Replacement: "[phone]",
		},
		{
			Name:        "card_number",
			Pattern:     regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
			Replacement: "[card]",
		},
		{
			Name:        "api_key",
			Pattern:     regexp.MustCompile(`\b(?:sk|pk|api|key)[\-_][A-Za-z0-9\-_]{16,}\b`),
			Replacement: "[credential]",
		},
	}
}

// ContentFilter runs input text through a configurable pattern list.
type ContentFilter struct {
	patterns []ContentPattern
}

// NewContentFilter builds a filter; nil patterns uses the defaults.
func NewContentFilter(patterns []ContentPattern) *ContentFilter {
	if patterns == nil {
		patterns = DefaultContentPatterns()
	}
	return &ContentFilter{patterns: patterns}
}

// Check scans text and produces the redacted form. A flagged result is
// still SafeToUse because every pattern here has a replacement; a
// pattern without one would mark the result unusable.
func (f *ContentFilter) Check(text string) *ContentCheckResult {
	result := &ContentCheckResult{
		SafeToUse:       true,
		FilteredContent: text,
	}
	for _, p := range f.patterns {
		if !p.Pattern.MatchString(result.FilteredContent) {
			continue
		}
		result.IsFlagged = true
		result.Flags = append(result.Flags, p.Name)
		if p.Replacement == "" {
			result.SafeToUse = false
			continue
		}
		result.FilteredContent = p.Pattern.ReplaceAllString(result.FilteredContent, p.Replacement)
	}
	return result
}
