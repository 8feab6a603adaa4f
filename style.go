package main

import "github.com/charmbracelet/lipgloss"

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	subtle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}).Render
	warning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454")).Render
	failure = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Render
	success = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true).Render
)
