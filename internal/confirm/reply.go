package confirm

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var replyPattern = regexp.MustCompile(`(?i)\b(CONFIRM|CANCEL)\s+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\b`)

// Reply attributions: "On Mon, Jan 2, 2026, Ledger <...> wrote:" and
// Outlook's "-----Original Message-----".
var quoteHeader = regexp.MustCompile(`(?i)^(on .+ wrote:|-{2,}\s*original message\s*-{2,})\s*$`)

// ParseReply finds a "CONFIRM <id>" or "CANCEL <id>" command in text.
// Quoted lines are ignored, so replying above the approval request
// works. Conflicting commands are treated as no command at all.
func ParseReply(text string) (Decision, string, bool) {
	var (
		decision Decision
		id       string
	)
	for _, m := range replyPattern.FindAllStringSubmatch(unquoted(text), -1) {
		parsed, err := uuid.Parse(m[2])
		if err != nil {
			continue
		}
		d := Decision(strings.ToUpper(m[1]))
		if id != "" && (d != decision || parsed.String() != id) {
			return "", "", false
		}
		decision, id = d, parsed.String()
	}
	if id == "" {
		return "", "", false
	}
	return decision, id, true
}

// unquoted drops quoted lines and everything after a reply attribution.
func unquoted(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if quoteHeader.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
