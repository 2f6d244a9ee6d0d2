// Package export renders conversations as portable markdown transcripts.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
)

const separator = "---\n\n"

// Markdown renders conv as a transcript: a title heading, the model, then every message with its role and
// local time, separated by horizontal rules. A nil loc renders times in UTC.
func Markdown(conv models.Conversation, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Chat: %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "**Model:** %s\n\n", conv.Model)
	sb.WriteString(separator)

	for _, msg := range conv.Messages {
		fmt.Fprintf(&sb, "**%s** (_%s_):\n\n", strings.ToUpper(string(msg.Role)), FormatTime(msg.Timestamp, loc))
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
		sb.WriteString(separator)
	}
	return sb.String()
}

// Filename returns the download name of a transcript. Every character of title other than an ASCII letter or
// digit becomes an underscore.
func Filename(title string) string {
	var sb strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return "chat-" + sb.String() + ".md"
}

// FormatTime renders t as a two-digit 24-hour clock time in loc.
func FormatTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("15:04")
}

// RelativeTime renders how long ago t was, relative to now: "now" under a minute, then whole minutes, hours or
// days.
func RelativeTime(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm", int(diff/time.Minute))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh", int(diff/time.Hour))
	}
	return fmt.Sprintf("%dd", int(diff/(24*time.Hour)))
}
