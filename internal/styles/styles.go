// Package styles provides shared lipgloss styles for command output.
package styles

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/hay-kot/huddle/internal/core/session"
)

// Tokyo Night color palette.
var (
	ColorGreen  = lipgloss.Color("#9ece6a")
	ColorYellow = lipgloss.Color("#e0af68")
	ColorBlue   = lipgloss.Color("#7aa2f7")
	ColorGray   = lipgloss.Color("#565f89")
	ColorWhite  = lipgloss.Color("#c0caf5")
)

// Banner ASCII art printed when the server starts.
const Banner = `
 ╦ ╦╦ ╦╔╦╗╔╦╗╦  ╔═╗
 ╠═╣║ ║ ║║ ║║║  ║╣
 ╩ ╩╚═╝═╩╝═╩╝╩═╝╚═╝`

// BannerStyle styles the ASCII art banner.
var BannerStyle = lipgloss.NewStyle().
	Foreground(ColorBlue).
	Bold(true)

var (
	headerStyle = lipgloss.NewStyle().Foreground(ColorBlue).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(ColorWhite).Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorGray).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(ColorGray)
)

const (
	colPlayers = 1
	colJoining = 2
)

// SessionTable renders sessions as a table. Players are shown against the
// session's limits; sessions still below their minimum are highlighted.
func SessionTable(sessions []session.Info) string {
	rows := make([][]string, len(sessions))
	for i, s := range sessions {
		joining := "open"
		if !s.Joining {
			joining = "closed"
		}
		rows[i] = []string{
			s.Token,
			strconv.Itoa(len(s.Players)) + "/" + strconv.Itoa(s.MaxPlayerAllowed),
			joining,
			strconv.Itoa(s.MinPlayerNeeded),
			humanize.Time(s.CreatedAt),
		}
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("TOKEN", "PLAYERS", "JOINING", "MIN", "CREATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			s := sessions[row]
			switch {
			case col == colPlayers && len(s.Players) < s.MinPlayerNeeded:
				return cellStyle.Foreground(ColorYellow)
			case col == colPlayers && len(s.Players) >= s.MaxPlayerAllowed:
				return cellStyle.Foreground(ColorGreen)
			case col == colJoining && !s.Joining:
				return mutedStyle
			}
			return cellStyle
		}).
		String()
}
