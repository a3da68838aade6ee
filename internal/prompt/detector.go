// Package prompt implements the idle-triggered heuristic that scans raw PTY
// output for numbered menu prompts and reports long-running-task completion.
// It never mutates or strips the wire bytes themselves; ANSI stripping here
// is only ever used to make the internal scoring pass easier to write.
package prompt

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

const (
	DefaultIdleThreshold       = 800 * time.Millisecond
	DefaultBufferLookback      = 1500
	DefaultConfidenceThreshold = 30
	DefaultExpiryMs            = 60 * time.Second
	DefaultMinSubstantiveChars = 50
	DefaultLongTaskThreshold   = 60 * time.Second
)

// Context classifies the kind of prompt a detection represents.
type Context string

const (
	ContextQuestion Context = "question"
	ContextMenu     Context = "menu"
	ContextUnknown  Context = "unknown"
)

// Detection is the result of a successful detect() pass.
type Detection struct {
	Options       []int
	Confidence    int
	Context       Context
	TriggerPhrase string
}

// Equal reports whether two detections carry the same sorted option set,
// which is the idempotency key options-detected emission is keyed on.
func (d Detection) Equal(o Detection) bool {
	if len(d.Options) != len(o.Options) {
		return false
	}
	for i := range d.Options {
		if d.Options[i] != o.Options[i] {
			return false
		}
	}
	return true
}

var (
	triggerPhraseRe = regexp.MustCompile(`(?i)(choose|select|pick)\s+(one|an?\s)|which\s+\S|enter your choice|available options|\?\s*$`)

	// Line-anchored option-number patterns: "1. ", "1) ", "1: ", "[1]", "(1)",
	// cursor-prefixed selections, and an unanchored inline "  1. " form (two or
	// more spaces before the number, anywhere in a line).
	numberedLineRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*([1-9])\.\s`),
		regexp.MustCompile(`(?m)^\s*([1-9])\)\s`),
		regexp.MustCompile(`(?m)^\s*([1-9]):\s`),
		regexp.MustCompile(`(?m)^\s*\[([1-9])\]`),
		regexp.MustCompile(`(?m)^\s*\(([1-9])\)`),
		regexp.MustCompile(`(?m)^\s*[>❯►→]\s*([1-9])\b`),
		regexp.MustCompile(` {2,}([1-9])\.\s`),
	}

	statusIndicatorRe = regexp.MustCompile(`[✔✓✗●○]|\s·\s|(?i)\b(connected|failed|pending)\b`)
	digitCapitalRe    = regexp.MustCompile(`[1-9][A-Z]`)

	// Negative patterns: section headers, markdown headings, horizontal
	// rules, and documentation-style prose reduce confidence rather than
	// hard-abort, folded directly into the scoring pass (Open Question 4).
	negativeRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^#{1,6}\s`),
		regexp.MustCompile(`(?m)^[-=*]{3,}\s*$`),
		regexp.MustCompile(`(?i)\bshould\b.*\bwithout\b`),
	}

	fenceRe = regexp.MustCompile("```")
)

// Detect runs the scoring pass over raw (not yet ANSI-stripped) tail bytes.
// It returns ok=false if confidence does not clear confidenceThreshold, or if
// the tail looks like it sits inside an unterminated fenced code block.
func Detect(tail string, lookback, confidenceThreshold int) (Detection, bool) {
	if lookback <= 0 {
		lookback = DefaultBufferLookback
	}
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	if len(tail) > lookback {
		tail = tail[len(tail)-lookback:]
	}
	stripped := ansi.Strip(tail)

	if strings.Count(stripped, "```")%2 != 0 {
		return Detection{}, false
	}

	score, options, trigger := scoreTail(stripped)
	if score < confidenceThreshold || len(options) < 2 {
		return Detection{}, false
	}

	ctx := ContextUnknown
	switch {
	case trigger != "" && strings.Contains(strings.ToLower(trigger), "?"):
		ctx = ContextQuestion
	case len(options) >= 2:
		ctx = ContextMenu
	}

	sort.Ints(options)
	return Detection{Options: options, Confidence: score, Context: ctx, TriggerPhrase: trigger}, true
}

func scoreTail(stripped string) (score int, options []int, trigger string) {
	if m := triggerPhraseRe.FindString(stripped); m != "" {
		score += 30
		trigger = strings.TrimSpace(m)
	}

	seen := map[int]bool{}
	for _, re := range numberedLineRes {
		for _, match := range re.FindAllStringSubmatch(stripped, -1) {
			n, err := strconv.Atoi(match[1])
			if err != nil {
				continue
			}
			seen[n] = true
		}
	}
	for n := range seen {
		options = append(options, n)
	}
	sort.Ints(options)

	if len(options) >= 2 {
		hasOne := options[0] == 1
		sequential := true
		for i := 1; i < len(options); i++ {
			if options[i]-options[i-1] > 2 {
				sequential = false
				break
			}
		}
		if hasOne && sequential {
			score += 20
		}
	}

	if statusIndicatorRe.MatchString(stripped) {
		score += 15
	}
	if digitCapitalRe.MatchString(stripped) {
		score += 15
	}

	for _, re := range negativeRes {
		if re.MatchString(stripped) {
			score -= 15
		}
	}

	if score < 0 {
		score = 0
	}
	return score, options, trigger
}

// StripANSI strips SGR/CSI sequences; exported so callers needing the same
// stripping for crash diagnostics (PtyInstance.lastOutputLines) share one
// implementation.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
