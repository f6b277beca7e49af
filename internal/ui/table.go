package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/screenmesh/screenmesh/internal/session"
)

// RoomTable renders the lobby listing using lipgloss/table
type RoomTable struct {
	rooms []session.RoomSummary
}

// NewRoomTable creates a new room table
func NewRoomTable(rooms []session.RoomSummary) *RoomTable {
	return &RoomTable{rooms: rooms}
}

// View renders the table as a string
func (t *RoomTable) View() string {
	if len(t.rooms) == 0 {
		return MutedStyle.Render("No open rooms")
	}

	headers := []string{"Code", "Name", "Members", "Locked"}

	var rows [][]string
	for _, r := range t.rooms {
		locked := ""
		if r.HasPassword {
			locked = "yes"
		}
		rows = append(rows, []string{
			r.ID,
			r.Name,
			fmt.Sprintf("%d/%d", r.MemberCount, r.MaxMembers),
			locked,
		})
	}

	return styledTable(headers, rows)
}

// Render outputs the table directly to stdout
func (t *RoomTable) Render() {
	fmt.Println(t.View())
}

// MemberTable renders a room's member listing
type MemberTable struct {
	members []session.MemberInfo
}

// NewMemberTable creates a new member table
func NewMemberTable(members []session.MemberInfo) *MemberTable {
	return &MemberTable{members: members}
}

// View renders the table as a string
func (t *MemberTable) View() string {
	if len(t.members) == 0 {
		return MutedStyle.Render("No members")
	}

	headers := []string{"Nickname", "Role", "Sharing"}

	var rows [][]string
	for _, m := range t.members {
		role := "viewer"
		if m.IsHost {
			role = "host"
		}
		sharing := ""
		if m.IsSharing {
			sharing = "yes"
		}
		rows = append(rows, []string{m.Nickname, role, sharing})
	}

	return styledTable(headers, rows)
}

// Render outputs the table directly to stdout
func (t *MemberTable) Render() {
	fmt.Println(t.View())
}

func styledTable(headers []string, rows [][]string) string {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}
