// Package render formats conversations, session lists and plans for the
// terminal.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"chatdesk/internal/api"
	"chatdesk/internal/chat"
	"chatdesk/internal/plan"
)

const (
	defaultWidth = 80
	timeLayout   = "2006-01-02 15:04"
)

var (
	userTagStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33")).
			Padding(0, 1)

	assistantTagStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("129")).
				Padding(0, 1)

	systemTagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Padding(0, 1)

	msgBoxStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder())

	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	activeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	popularStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
)

// Renderer lays content out for a terminal of the given width.
type Renderer struct {
	Width int
	// Location is used for timestamps. Defaults to local time.
	Location *time.Location
}

func New(width int) *Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	return &Renderer{Width: width, Location: time.Local}
}

func (r *Renderer) width() int {
	if r.Width <= 0 {
		return defaultWidth
	}
	return r.Width
}

func (r *Renderer) stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(timeLayout)
}

// Transcript renders messages oldest first. User messages sit on the
// right, everything else on the left.
func (r *Renderer) Transcript(msgs []chat.Message) string {
	if len(msgs) == 0 {
		return noteStyle.Render("No messages yet.")
	}
	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		blocks = append(blocks, r.message(m))
	}
	return strings.Join(blocks, "\n")
}

func (r *Renderer) message(m chat.Message) string {
	width := r.width()
	boxWidth := width * 3 / 4
	if boxWidth < 20 {
		boxWidth = width
	}

	var tag string
	align := lipgloss.Left
	switch m.Role() {
	case chat.RoleUser:
		tag = userTagStyle.Render("You")
		align = lipgloss.Right
	case chat.RoleAssistant:
		tag = assistantTagStyle.Render("Assistant")
	default:
		tag = systemTagStyle.Render(m.Role().String())
	}

	meta := r.stamp(m.CreatedAt)
	switch {
	case m.Provisional:
		meta += " · sending"
	case m.Synthesized:
		meta += " · offline reply"
	case !m.Local():
		meta += " · " + m.ID
	}
	if n := len(m.Images); n > 0 {
		meta += fmt.Sprintf(" · %d image(s)", n)
	}

	body := msgBoxStyle.Width(boxWidth).Render(m.Content)
	block := lipgloss.JoinVertical(align, tag, body, noteStyle.Render(meta))
	return lipgloss.PlaceHorizontal(width, align, block)
}

// Sessions renders the session list, marking the active one.
func (r *Renderer) Sessions(sessions []chat.Session, activeID string) string {
	if len(sessions) == 0 {
		return noteStyle.Render("No sessions. Create one with `sessions create`.")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-36s  %-24s  %-18s  %5s  %s", "ID", "TITLE", "MODEL", "MSGS", "LAST ACTIVITY")))
	b.WriteString("\n")
	for _, s := range sessions {
		line := fmt.Sprintf("%-36s  %-24s  %-18s  %5d  %s",
			s.ID, clip(s.Title, 24), clip(s.Model, 18), s.MessageCount, r.stamp(s.LastActivity))
		if s.ID == activeID {
			line = activeStyle.Render("* " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
		if s.LastMessage != "" {
			b.WriteString(noteStyle.Render("    " + s.LastMessage))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Plans renders the plan catalogue as cards.
func (r *Renderer) Plans(plans []plan.Plan) string {
	if len(plans) == 0 {
		return noteStyle.Render("No plans available.")
	}
	cards := make([]string, 0, len(plans))
	for _, p := range plans {
		cards = append(cards, r.planCard(p))
	}
	return lipgloss.JoinVertical(lipgloss.Left, cards...)
}

func (r *Renderer) planCard(p plan.Plan) string {
	title := headerStyle.Render(p.Name)
	if p.Popular {
		title += popularStyle.Render("★ popular")
	}
	price := plan.FormatPrice(p.Price)
	if !p.Free() {
		price += " / " + p.Duration.String()
	}
	if p.OriginalPrice.Valid {
		price += noteStyle.Render(fmt.Sprintf("  (was %s, %s%% off)", plan.FormatPrice(p.OriginalPrice.Decimal), p.DiscountRate.String()))
	}

	lines := []string{title, price}
	if p.Description != "" {
		lines = append(lines, p.Description)
	}
	lines = append(lines,
		"Tokens: "+p.Limits.Tokens,
		"Images: "+p.Limits.Images,
		"Audio:  "+p.Limits.Audio,
	)
	if len(p.Models) > 0 {
		names := make([]string, 0, len(p.Models))
		for _, m := range p.Models {
			names = append(names, m.DisplayName())
		}
		lines = append(lines, "Models: "+strings.Join(names, ", "))
	}
	for _, f := range p.Features {
		lines = append(lines, "• "+f)
	}

	style := msgBoxStyle.Width(r.width() / 2)
	if p.ColorCode != "" {
		style = style.BorderForeground(lipgloss.Color(p.ColorCode))
	}
	return style.Render(strings.Join(lines, "\n"))
}

// Stats renders the message statistics of one session.
func (r *Renderer) Stats(s api.MessageStats) string {
	rows := [][2]string{
		{"Messages", fmt.Sprint(s.TotalMessages)},
		{"From you", fmt.Sprint(s.UserMessages)},
		{"From assistant", fmt.Sprint(s.AssistantMessages)},
		{"With images", fmt.Sprint(s.ImageMessages)},
		{"Input tokens", fmt.Sprint(s.TotalInputTokens)},
		{"Output tokens", fmt.Sprint(s.TotalOutputTokens)},
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%-16s %s\n", row[0], row[1])
	}
	return strings.TrimRight(b.String(), "\n")
}

// Models lists model names, marking the current one.
func (r *Renderer) Models(names []string, current string) string {
	if len(names) == 0 {
		return noteStyle.Render("Your plan places no restriction on models.")
	}
	var b strings.Builder
	for _, n := range names {
		label := plan.Model{Name: n}.DisplayName()
		if n == current {
			b.WriteString(activeStyle.Render(fmt.Sprintf("* %-20s %s", n, label)))
		} else {
			fmt.Fprintf(&b, "  %-20s %s", n, label)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
