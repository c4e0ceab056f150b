// ABOUTME: Renderer type and activity formatting for the chat client
// ABOUTME: Colors come from fatih/color and are off unless WithColor is given

package render

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-directline/internal/directline"
)

// Renderer formats activities for a terminal.
type Renderer struct {
	md goldmark.Markdown

	sender *color.Color
	own    *color.Color
	dim    *color.Color
	warn   *color.Color
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithColor turns ANSI colors on or off.
func WithColor(on bool) Option {
	return func(r *Renderer) {
		for _, c := range []*color.Color{r.sender, r.own, r.dim, r.warn} {
			if on {
				c.EnableColor()
			} else {
				c.DisableColor()
			}
		}
	}
}

// New returns a Renderer using goldmark's CommonMark parser. Output is
// uncolored by default.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		md:     goldmark.New(),
		sender: color.New(color.FgGreen, color.Bold),
		own:    color.New(color.FgBlue),
		dim:    color.New(color.Faint),
		warn:   color.New(color.FgYellow),
	}
	WithColor(false)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activity formats a single activity. Messages become "name: text" with
// continuation lines indented; other types are shown as a bracketed tag.
// Attachments follow on their own lines.
func (r *Renderer) Activity(a directline.Activity) string {
	var b strings.Builder

	switch a.Type.Kind() {
	case directline.KindMessage:
		b.WriteString(r.sender.Sprint(senderName(a.From) + ":"))
		if body := r.Markdown(a.Text); body != "" {
			lines := strings.Split(body, "\n")
			b.WriteString(" " + lines[0])
			for _, line := range lines[1:] {
				b.WriteString("\n")
				if line != "" {
					b.WriteString("  " + line)
				}
			}
		}
	case directline.KindTyping:
		b.WriteString(r.dim.Sprintf("[typing] %s", senderName(a.From)))
	case directline.KindConversationUpdate:
		b.WriteString(r.dim.Sprint("[conversation update]"))
	default:
		tag := fmt.Sprintf("[%s]", a.Type.Raw())
		if a.Text != "" {
			tag += " " + truncate(a.Text, 80)
		}
		b.WriteString(r.dim.Sprint(tag))
	}

	for _, att := range a.Attachments {
		b.WriteString("\n  ")
		b.WriteString(r.attachment(att))
	}
	return b.String()
}

// Own formats a message the local user sent, as echoed back by the service.
func (r *Renderer) Own(a directline.Activity) string {
	return r.own.Sprint("you: " + truncate(r.Markdown(a.Text), 200))
}

// Error formats a failure line.
func (r *Renderer) Error(err error) string {
	return r.warn.Sprintf("[error] %v", err)
}

func (r *Renderer) attachment(att directline.Attachment) string {
	if att.IsSignInCard() {
		return r.warn.Sprint("[sign-in requested] complete it in a browser")
	}
	desc := att.ContentType
	if att.Name != "" {
		desc += " " + att.Name
	}
	if att.ContentURL != "" {
		desc += " (" + att.ContentURL + ")"
	}
	return "[attachment] " + desc
}

func senderName(u directline.User) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.ID != "":
		return u.ID
	default:
		return "bot"
	}
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
