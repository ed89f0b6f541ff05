package detect

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/aegis/internal/store"
)

// ansiCSI matches the CSI sequences terminal tools emit for color,
// cursor movement and line clearing.
var ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[mGKHFA-D]`)

// StripANSI removes CSI escapes, carriage returns and backspaces so the
// pattern layer sees plain text.
func StripANSI(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\b", "")
	return s
}

// family is one bundle of patterns mapping to a prompt kind. Families
// are evaluated in priority order; within a family every extra matching
// pattern bumps confidence by confidenceStep.
type family struct {
	kind     string
	base     float64
	patterns []*regexp.Regexp
}

const (
	confidenceStep = 0.05
	confidenceCap  = 0.99
)

var families = []family{
	{
		kind: store.InputYesNo,
		base: 0.85,
		patterns: compile(
			`\(y/n\)`,
			`\[y/n\]`,
			`\(yes/no\)`,
			`\[yes/no\]`,
			`(?:proceed|continue|confirm|delete|overwrite|install|replace|remove|apply)[^?\n]{0,80}\?\s*[\(\[]y(?:es)?\s*/\s*no?[\)\]]`,
			`press\s+y\s+to\s+continue`,
			`type\s+y\s+or\s+n\b`,
		),
	},
	{
		kind: store.InputConfirmEnter,
		base: 0.80,
		patterns: compile(
			`press\s+(?:enter|return)\s+to\s+(?:continue|proceed)`,
			`\[press\s+enter\]`,
			`--\s*more\s*--`,
		),
	},
	{
		kind: store.InputMultipleChoice,
		base: 0.75,
		patterns: compile(
			`enter\s+your\s+choice\s*\[?1-\d\]?`,
			`select\s+an\s+option\s*\(1-\d\)`,
			`which\s+[^\n?]{0,60}\s+do\s+you\s+want`,
			`(?:^|\n)\s*1[.)]\s+\S[^\n]*\n\s*2[.)]\s+\S`,
		),
	},
	{
		kind: store.InputFreeText,
		base: 0.65,
		patterns: compile(
			`enter\s+[\w .-]{1,40}:\s*$`,
			`password:\s*$`,
			`passphrase:\s*$`,
			`(?:^|\n)\s*(?:name|email|username|address|url|token|title)\s*:\s*$`,
			`>\s*$`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?is)` + e)
	}
	return out
}

// choiceLine matches one numbered menu entry.
var choiceLine = regexp.MustCompile(`^\s*(\d+)[).]\s+(.+)$`)

// maxChoices caps how many menu entries are surfaced to the operator.
const maxChoices = 9

// extractChoices scans cleaned text for numbered list items, sorted by
// their number.
func extractChoices(text string) []string {
	type numbered struct {
		n    int
		text string
	}
	var found []numbered
	seen := map[int]bool{}
	for _, line := range strings.Split(text, "\n") {
		m := choiceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		found = append(found, numbered{n: n, text: strings.TrimSpace(m[2])})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	if len(found) > maxChoices {
		found = found[:maxChoices]
	}
	choices := make([]string, len(found))
	for i, f := range found {
		choices[i] = f.text
	}
	return choices
}
