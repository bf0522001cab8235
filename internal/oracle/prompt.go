package oracle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/speechlens/speechlens/internal/session"
)

// FormatHistory renders one line per turn: "[<secs>s] role: text".
func FormatHistory(history []session.Turn) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		prefix := ""
		if t.Timestamp > 0 {
			prefix = fmt.Sprintf("[%.0fs] ", t.Timestamp)
		}
		lines = append(lines, fmt.Sprintf("%s%s: %s", prefix, t.Role, t.Content()))
	}
	return strings.Join(lines, "\n")
}

// OptionsPrompt asks for exactly three short first-person replies separated
// by "|".
func OptionsPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("I have a speech impairment and pick what to say from three suggestions. ")
	if len(req.Image) > 0 {
		b.WriteString("The attached image shows what I am looking at right now. ")
	}
	fmt.Fprintf(&b, "I just heard: %q.\n", strings.TrimSpace(req.HeardText))
	b.WriteString("Give me exactly three short, natural replies or questions I could say next, in the first person, ")
	b.WriteString("separated by the character |, with no numbering and no additional text.\n")

	if s := strings.TrimSpace(req.ScheduleContext); s != "" {
		fmt.Fprintf(&b, "\nMy schedule: %s\n", s)
	}
	if s := strings.TrimSpace(req.CoreContext); s != "" {
		fmt.Fprintf(&b, "\nFacts about me:\n%s\n", s)
	}
	if s := strings.TrimSpace(req.EventContext); s != "" {
		fmt.Fprintf(&b, "\nNotes for the current event: %s\n", s)
	}
	if len(req.History) > 0 {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", FormatHistory(req.History))
	}
	return b.String()
}

// SummaryPrompt asks for one to three bullet highlights.
func SummaryPrompt(history []session.Turn) string {
	return "Summarize this conversation between me and someone else into 1-3 concise bullet highlights that capture key points, " +
		"mentions, and next steps. Keep it concise, clear and meaningful.\n\n" + FormatHistory(history)
}

var listMarker = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s*`)

// SplitReply turns model text into candidate lines when the model ignored the
// separator and answered one per line.
func SplitReply(text string) Reply {
	text = strings.TrimSpace(text)
	if strings.Contains(text, "|") || !strings.Contains(text, "\n") {
		return Reply{Text: text}
	}
	var opts []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		if line != "" {
			opts = append(opts, line)
		}
	}
	return Reply{Text: text, Options: opts}
}
