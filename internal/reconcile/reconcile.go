// Package reconcile provides the final sequential pass over a job's
// completed sub-task results. It runs exactly once per job, after every
// sub-task has reached a terminal state, and normalizes terminology
// across sections so that independently generated outputs read as one
// coherent document. Failed and cancelled sub-tasks appear as explicit
// gaps rather than being dropped.
package reconcile

import (
	"context"
	"strings"
	"unicode"

	"github.com/weftlabs/weft/internal/job"
	"github.com/weftlabs/weft/internal/logging"
)

// SectionResult is one sub-task's contribution to the final result, in
// declaration order. A sub-task that did not complete carries its
// terminal status and failure reason instead of output.
type SectionResult struct {
	SubTaskID string
	Stage     string
	Status    job.SubTaskStatus
	Output    []byte
	Error     string
}

// Gap reports whether this section is a hole in the final result
// rather than usable output.
func (s SectionResult) Gap() bool {
	return s.Status != job.SubTaskCompleted
}

// FinalResult is the reconciled output for a whole job.
type FinalResult struct {
	JobID    string
	Sections []SectionResult

	// Gaps lists the sub-task IDs whose sections are holes, in
	// declaration order.
	Gaps []string

	// Replaced counts terminology substitutions made across all
	// sections.
	Replaced int
}

// Reconciler merges a job's section results into a final result.
type Reconciler interface {
	Reconcile(ctx context.Context, jobID string, sections []SectionResult) (*FinalResult, error)
}

// Config holds configuration for terminology reconciliation.
type Config struct {
	// Aliases maps variant spellings to their canonical form. Applied
	// to every section before first-use normalization.
	Aliases map[string]string

	// MinTermLength is the shortest word considered for first-use
	// casing normalization. Short words vary legitimately.
	MinTermLength int
}

// DefaultConfig returns sensible defaults for reconciliation
// configuration.
func DefaultConfig() Config {
	return Config{
		MinTermLength: 4,
	}
}

// ---- Term reconciler ----

// TermReconciler normalizes terminology across sections. Explicit
// aliases are rewritten to their canonical form; beyond that, when the
// same term appears with different casings in different sections, the
// casing used by the earliest section wins everywhere.
type TermReconciler struct {
	cfg    Config
	logger *logging.Logger
}

// NewTermReconciler creates a terminology reconciler. A nil logger
// disables logging.
func NewTermReconciler(cfg Config, logger *logging.Logger) *TermReconciler {
	if cfg.MinTermLength <= 0 {
		cfg.MinTermLength = DefaultConfig().MinTermLength
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TermReconciler{cfg: cfg, logger: logger}
}

// Reconcile applies alias and first-use casing normalization to every
// completed section. Sections are returned in the order given; gaps
// pass through untouched.
func (r *TermReconciler) Reconcile(ctx context.Context, jobID string, sections []SectionResult) (*FinalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	final := &FinalResult{
		JobID:    jobID,
		Sections: make([]SectionResult, len(sections)),
	}
	copy(final.Sections, sections)

	// Explicit aliases may be shorter than the casing threshold; they
	// still have to be visited.
	minLen := r.cfg.MinTermLength
	for alias := range r.cfg.Aliases {
		if n := len([]rune(alias)); n < minLen {
			minLen = n
		}
	}

	// First pass over completed sections records the first casing seen
	// for each term.
	canonical := make(map[string]string)
	for _, s := range final.Sections {
		if s.Gap() {
			continue
		}
		forEachWord(string(s.Output), minLen, func(word string) string {
			key := strings.ToLower(word)
			mapped, isAlias := r.lookupAlias(key)
			if isAlias {
				key = strings.ToLower(mapped)
				word = mapped
			} else if len([]rune(word)) < r.cfg.MinTermLength {
				return word
			}
			if _, ok := canonical[key]; !ok {
				canonical[key] = word
			}
			return ""
		})
	}

	// Second pass rewrites every occurrence to the canonical form.
	for i := range final.Sections {
		s := &final.Sections[i]
		if s.Gap() {
			final.Gaps = append(final.Gaps, s.SubTaskID)
			continue
		}
		replaced := 0
		out := rewriteWords(string(s.Output), minLen, func(word string) string {
			key := strings.ToLower(word)
			mapped, isAlias := r.lookupAlias(key)
			if isAlias {
				key = strings.ToLower(mapped)
			} else if len([]rune(word)) < r.cfg.MinTermLength {
				return word
			}
			want, ok := canonical[key]
			if !ok || want == word {
				return word
			}
			replaced++
			return want
		})
		if replaced > 0 {
			s.Output = []byte(out)
			final.Replaced += replaced
		}
	}

	log := r.logger.WithJob(jobID)
	log.Info("reconciliation completed",
		"sections", len(final.Sections),
		"gaps", len(final.Gaps),
		"replaced", final.Replaced,
	)

	return final, nil
}

func (r *TermReconciler) lookupAlias(lowerWord string) (string, bool) {
	for alias, canon := range r.cfg.Aliases {
		if strings.ToLower(alias) == lowerWord {
			return canon, true
		}
	}
	return "", false
}

// forEachWord visits each word of at least minLen letters in text. The
// visitor's return value is ignored; it shares its signature with
// rewriteWords so the same closures serve both passes.
func forEachWord(text string, minLen int, fn func(string) string) {
	rewriteWords(text, minLen, func(w string) string {
		fn(w)
		return w
	})
}

// rewriteWords rebuilds text with each qualifying word replaced by
// fn's return value. Words are maximal runs of letters and digits;
// everything else passes through verbatim.
func rewriteWords(text string, minLen int, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if !isWordRune(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		word := string(runes[i:j])
		if len([]rune(word)) >= minLen {
			word = fn(word)
		}
		b.WriteString(word)
		i = j
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ---- Nop reconciler ----

// Nop passes sections through unchanged. Used when a job opts out of
// reconciliation.
type Nop struct{}

// Reconcile returns the sections as given, still recording gaps.
func (Nop) Reconcile(_ context.Context, jobID string, sections []SectionResult) (*FinalResult, error) {
	final := &FinalResult{
		JobID:    jobID,
		Sections: make([]SectionResult, len(sections)),
	}
	copy(final.Sections, sections)
	for _, s := range final.Sections {
		if s.Gap() {
			final.Gaps = append(final.Gaps, s.SubTaskID)
		}
	}
	return final, nil
}
