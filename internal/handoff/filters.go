// Package handoff implements typed delegation between agents: built-in
// input filters, the safety layer that makes every filter total, the
// normalization hook that canonicalizes heterogeneous handoff
// descriptors, and post-processing of handoff tool calls.
package handoff

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// Defaults used when a summarize factory is selected without
// configuration.
const (
	DefaultSummaryPrefix = "History summary"
	DefaultKeepRecent    = 2
)

// RemoveAllTools drops tool-call and tool-result items from the input
// history, keeping user, assistant text, and system messages. This is
// the default filter for expert handoffs: the expert sees the
// conversation, not the plumbing.
func RemoveAllTools(data models.HandoffInputData) (models.HandoffInputData, error) {
	out := data.Clone()
	filtered := out.InputHistory[:0]
	for _, msg := range out.InputHistory {
		if msg.IsToolItem() {
			continue
		}
		filtered = append(filtered, msg)
	}
	out.InputHistory = filtered
	return out, nil
}

// KeepUserMessagesOnly retains only user-role items in the input
// history.
func KeepUserMessagesOnly(data models.HandoffInputData) (models.HandoffInputData, error) {
	out := data.Clone()
	filtered := out.InputHistory[:0]
	for _, msg := range out.InputHistory {
		if msg.Role == models.RoleUser {
			filtered = append(filtered, msg)
		}
	}
	out.InputHistory = filtered
	return out, nil
}

// SummarizeHistory is a filter factory: the returned filter keeps the
// last 2*keepN history items verbatim and collapses everything older
// into a single synthetic system item headed by prefix. Histories that
// already fit pass through unchanged.
func SummarizeHistory(prefix string, keepN int) llm.InputFilter {
	if prefix == "" {
		prefix = DefaultSummaryPrefix
	}
	if keepN <= 0 {
		keepN = DefaultKeepRecent
	}
	return func(data models.HandoffInputData) (models.HandoffInputData, error) {
		keep := 2 * keepN
		if len(data.InputHistory) <= keep {
			return data, nil
		}
		out := data.Clone()
		older := out.InputHistory[:len(out.InputHistory)-keep]
		recent := out.InputHistory[len(out.InputHistory)-keep:]

		var lines []string
		for _, msg := range older {
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, clip(msg.Content, 100)))
		}
		summary := models.Message{
			Role:    models.RoleSystem,
			Content: prefix + ":\n" + strings.Join(lines, "\n"),
		}
		out.InputHistory = append([]models.Message{summary}, recent...)
		return out, nil
	}
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// CustomFilter adapts a plain history transform into the canonical
// filter signature.
func CustomFilter(fn func([]models.Message) []models.Message) llm.InputFilter {
	return func(data models.HandoffInputData) (models.HandoffInputData, error) {
		out := data.Clone()
		out.InputHistory = fn(out.InputHistory)
		return out, nil
	}
}

// SafeFilter wraps a filter so it is total: panics and errors are
// logged and swallowed, and the original input is returned unchanged.
// Handoff filter failures never fail the turn.
func SafeFilter(filter llm.InputFilter, logger *slog.Logger) llm.InputFilter {
	if filter == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(data models.HandoffInputData) (result models.HandoffInputData, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("input filter panicked, passing input through", "panic", r)
				result = data
				err = nil
			}
		}()
		out, ferr := filter(data)
		if ferr != nil {
			logger.Warn("input filter failed, passing input through", "error", ferr)
			return data, nil
		}
		return out, nil
	}
}

// CoerceFilter turns the filter shapes that arrive from templates and
// user code into a canonical InputFilter:
//
//   - llm.InputFilter: used as-is
//   - llm.FilterFactory (an uninitialized SummarizeHistory): invoked
//     with the defaults
//   - func([]models.Message) []models.Message: adapted via CustomFilter
//
// The boolean result reports whether the value was usable.
func CoerceFilter(v any) (llm.InputFilter, bool) {
	switch f := v.(type) {
	case nil:
		return nil, true
	case llm.InputFilter:
		return f, true
	case func(models.HandoffInputData) (models.HandoffInputData, error):
		return f, true
	case llm.FilterFactory:
		return f(DefaultSummaryPrefix, DefaultKeepRecent), true
	case func(string, int) llm.InputFilter:
		return f(DefaultSummaryPrefix, DefaultKeepRecent), true
	case func([]models.Message) []models.Message:
		return CustomFilter(f), true
	default:
		return nil, false
	}
}

// FilterForKind maps a template-file filter name to its implementation.
func FilterForKind(spec models.HandoffSpec) llm.InputFilter {
	switch spec.InputFilter {
	case models.FilterRemoveTools:
		return RemoveAllTools
	case models.FilterUserOnly:
		return KeepUserMessagesOnly
	case models.FilterSummarize:
		return SummarizeHistory(spec.SummarizePrefix, spec.KeepRecentMessages)
	case models.FilterCustom:
		// Custom filters are attached programmatically; the template
		// form alone carries no function, so delegate unfiltered.
		return nil
	default:
		return nil
	}
}
