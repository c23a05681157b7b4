package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/mcpexec/internal/mcpclient"
)

var (
	colorPrimary = lipgloss.Color("39")
	colorDim     = lipgloss.Color("241")

	serverHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorPrimary)

	identifierStyle = lipgloss.NewStyle().Bold(true)

	descriptionStyle = lipgloss.NewStyle().
				Foreground(colorDim).
				PaddingLeft(4)
)

// renderToolList groups tools by server and renders one block per server.
func renderToolList(infos []mcpclient.ToolInfo) string {
	if len(infos) == 0 {
		return "no tools available\n"
	}
	var b strings.Builder
	lastServer := ""
	for _, info := range infos {
		if info.Server != lastServer {
			if lastServer != "" {
				b.WriteString("\n")
			}
			b.WriteString(serverHeaderStyle.Render(info.Server))
			b.WriteString("\n")
			lastServer = info.Server
		}
		b.WriteString("  ")
		b.WriteString(identifierStyle.Render(info.Identifier()))
		b.WriteString("\n")
		if info.Description != "" {
			b.WriteString(descriptionStyle.Render(firstSentence(info.Description)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:97] + "..."
	}
	return s
}
