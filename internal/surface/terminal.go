package surface

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"notify-relay/internal/models"
)

var (
	colorBlue   = lipgloss.AdaptiveColor{Dark: "#4DABF7", Light: "#1971C2"}
	colorGreen  = lipgloss.AdaptiveColor{Dark: "#69DB7C", Light: "#2F9E44"}
	colorRed    = lipgloss.AdaptiveColor{Dark: "#FF8787", Light: "#E03131"}
	colorYellow = lipgloss.AdaptiveColor{Dark: "#FFD43B", Light: "#F08C00"}
	colorGray   = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	colorWhite  = lipgloss.AdaptiveColor{Dark: "#F8F9FA", Light: "#1A202C"}
)

var (
	toastStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(56)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	metaStyle   = lipgloss.NewStyle().Foreground(colorGray)
	unreadStyle = lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite).
			Background(colorBlue).
			Padding(0, 1)
)

func kindColor(k models.Kind) lipgloss.TerminalColor {
	switch k {
	case models.KindMessage:
		return colorBlue
	case models.KindBidAccepted, models.KindPayment:
		return colorGreen
	case models.KindBidRejected:
		return colorRed
	case models.KindNewBid:
		return colorYellow
	default:
		return colorGray
	}
}

// RenderToast draws one popup as a bordered box.
func RenderToast(n models.Notification) string {
	lines := []string{
		titleStyle.Render(n.Title),
		n.Body,
		metaStyle.Render(fmt.Sprintf("%s  %s  %s", n.Kind, n.Timestamp.Local().Format(time.Kitchen), RouteFor(n))),
	}
	return toastStyle.BorderForeground(kindColor(n.Kind)).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// RenderBell draws the bell header and its items, newest first.
func RenderBell(items []models.Notification, unread int) string {
	sections := []string{headerStyle.Render(fmt.Sprintf("Notifications (%d unread)", unread))}
	if len(items) == 0 {
		sections = append(sections, metaStyle.Render("No notifications"))
	}
	for _, n := range items {
		marker := "  "
		if !n.Read {
			marker = unreadStyle.Render("● ")
		}
		kind := lipgloss.NewStyle().Foreground(kindColor(n.Kind)).Render(string(n.Kind))
		sections = append(sections, fmt.Sprintf("%s%s %s %s", marker, kind, titleStyle.Render(n.Title), n.Body))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// RenderMessage draws one chat line with its send status.
func RenderMessage(m models.ChatMessage) string {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	line := fmt.Sprintf("%s %s: %s",
		metaStyle.Render(m.Timestamp.Local().Format(time.Kitchen)),
		lipgloss.NewStyle().Bold(true).Foreground(colorBlue).Render(who),
		m.Body)
	switch m.Status {
	case models.StatusPending:
		line += metaStyle.Render(" (sending)")
	case models.StatusFailed:
		line += lipgloss.NewStyle().Foreground(colorRed).Render(" (failed: " + m.Error + ")")
	}
	return line
}

// TerminalNotifier is a DesktopNotifier that prints to a terminal.
type TerminalNotifier struct {
	mu         sync.Mutex
	w          io.Writer
	permission Permission
}

func NewTerminalNotifier(w io.Writer, permission Permission) *TerminalNotifier {
	return &TerminalNotifier{w: w, permission: permission}
}

func (t *TerminalNotifier) Permission() Permission { return t.permission }

func (t *TerminalNotifier) Show(title, body, route string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	box := toastStyle.BorderForeground(colorBlue).Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title), body, metaStyle.Render(route)))
	_, err := io.WriteString(t.w, box+"\n")
	return err
}

// Print writes rendered blocks separated by newlines.
func Print(w io.Writer, blocks ...string) error {
	_, err := io.WriteString(w, strings.Join(blocks, "\n")+"\n")
	return err
}
