package notifier

import (
	"fmt"
	"strings"

	"ticketwatch/internal/watch"
)

// FormatReport renders a detection report as a Telegram message.
// eventURL is a fmt template with one %s slot for the event id; empty means
// no link line.
func FormatReport(def watch.Definition, rep watch.Report, eventURL string) string {
	var b strings.Builder

	b.WriteString("🎟 Resale tickets available!\n")
	fmt.Fprintf(&b, "Event: %s\n", rep.EventID)
	fmt.Fprintf(&b, "Tickets: %d across %d offer(s)\n", rep.TotalTickets, rep.OfferCount)
	if rep.MaxBundleSize > 0 {
		fmt.Fprintf(&b, "Largest bundle: %d\n", rep.MaxBundleSize)
	}
	fmt.Fprintf(&b, "Cheapest: %.2f", rep.CheapestPrice)
	if len(rep.CheapestQuantities) > 0 {
		b.WriteString(" (qty ")
		for i, q := range rep.CheapestQuantities {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%d", q)
		}
		b.WriteString(")")
	}
	b.WriteString("\n")

	if eventURL != "" {
		fmt.Fprintf(&b, "%s\n", fmt.Sprintf(eventURL, rep.EventID))
	}

	if mentions := formatMentions(def.Target.Mentions); mentions != "" {
		b.WriteString(mentions)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func formatMentions(users []string) string {
	if len(users) == 0 {
		return ""
	}
	parts := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "@") {
			u = "@" + u
		}
		parts = append(parts, u)
	}
	return strings.Join(parts, " ")
}
