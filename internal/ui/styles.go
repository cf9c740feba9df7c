// Package ui holds terminal styling for the CLI surfaces.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func RenderTitle(s string) string   { return titleStyle.Render(s) }
func RenderAccent(s string) string  { return accentStyle.Render(s) }
func RenderSuccess(s string) string { return successStyle.Render(s) }
func RenderWarning(s string) string { return warningStyle.Render(s) }
func RenderError(s string) string   { return errorStyle.Render(s) }
func RenderMuted(s string) string   { return mutedStyle.Render(s) }

// RenderSyncState colors a sync state badge the way the status screens
// show it: green confirmed, yellow queued, red needs attention.
func RenderSyncState(s model.SyncState) string {
	switch s {
	case model.SyncSynced:
		return successStyle.Render(string(s))
	case model.SyncPending, model.SyncSyncing:
		return warningStyle.Render(string(s))
	case model.SyncFailed:
		return errorStyle.Render(string(s))
	default:
		return mutedStyle.Render(string(s))
	}
}
