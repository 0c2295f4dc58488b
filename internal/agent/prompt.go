package agent

import (
	"fmt"
	"sort"
	"strings"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/feed"
)

const proposerSystemPrompt = "You are a financial assistant that outputs ONLY valid JSON actions with no extra text."

const selectorSystemPrompt = "You decide which market data feeds must be refreshed before an action is revised. " +
	"Answer with ONLY a JSON object mapping feed names to booleans."

const maxFeedChars = 1200

// Revision 描述上一次被拒绝的提案，用于构造修订提示词。
type Revision struct {
	RejectionReason string
	SettingsSummary string
	Previous        *action.Candidate
}

func writeFeeds(b *strings.Builder, feeds map[string]feed.Entry) {
	if len(feeds) == 0 {
		b.WriteString("No feed data available.\n")
		return
	}
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := feeds[name]
		fmt.Fprintf(b, "### %s (attempt %d)\n%s\n", name, entry.Attempt, truncate(entry.Value, maxFeedChars))
	}
}

func buildProposalPrompt(req ProposalRequest) string {
	var b strings.Builder
	if rev := req.Revision; rev != nil {
		fmt.Fprintf(&b, "Previous proposal rejected due to: %s\n\n", rev.RejectionReason)
		if rev.Previous != nil {
			if encoded, err := rev.Previous.MarshalJSON(); err == nil {
				fmt.Fprintf(&b, "Rejected action: %s\n\n", encoded)
			}
		}
		b.WriteString("User settings:\n")
		for _, line := range strings.Split(rev.SettingsSummary, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				fmt.Fprintf(&b, "- %s\n", line)
			}
		}
		fmt.Fprintf(&b, "- Portfolio: %s\n\n", req.Trigger.Portfolio.String())
		fmt.Fprintf(&b, "Original query: %s\n\n", req.Trigger.Reason)
	} else {
		fmt.Fprintf(&b, "Trigger: %s\n", req.Trigger.Reason)
		fmt.Fprintf(&b, "Portfolio: %s\n\n", req.Trigger.Portfolio.String())
	}

	b.WriteString("## Market context\n")
	writeFeeds(&b, req.Feeds)

	b.WriteString("\nOutput a JSON object with the action type (swap/stake/unstake), fromToken, toToken, ")
	b.WriteString("amount (for swaps, the fraction of the fromToken holding, e.g. 0.25), unit, reason, ")
	b.WriteString("and timestamp (in milliseconds).\n")
	if req.Revision != nil {
		b.WriteString("Please propose a compliant, revised action.\n")
	}
	b.WriteString("Output MUST be valid JSON. Do NOT include explanations or markdown.")
	return b.String()
}

func buildSelectionPrompt(req SelectionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The last proposed action was rejected: %s\n\n", req.RejectionReason)
	fmt.Fprintf(&b, "Trigger: %s\n\n", req.Trigger.Reason)
	b.WriteString("Current context:\n")
	writeFeeds(&b, req.Context)
	fmt.Fprintf(&b, "\nAvailable feeds: %s\n", strings.Join(req.Feeds, ", "))
	b.WriteString("Which feeds should be fetched again to revise the action? ")
	b.WriteString(`Answer like {"feeds": {"` + strings.Join(req.Feeds, `": true, "`) + `": false}}.`)
	return b.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
