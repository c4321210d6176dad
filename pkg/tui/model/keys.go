package model

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Pane   key.Binding
	Search key.Binding
	Pause  key.Binding
	Export key.Binding
	Clear  key.Binding
	Help   key.Binding
	Quit   key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Pane:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "pane")),
		Search: key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
		Pause:  key.NewBinding(key.WithKeys(" ", "space"), key.WithHelp("space", "pause tail")),
		Export: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "export")),
		Clear:  key.NewBinding(key.WithKeys("C"), key.WithHelp("C", "clear")),
		Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Export, k.Clear, k.Search, k.Pause, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Pane},
		{k.Search, k.Pause},
		{k.Export, k.Clear},
		{k.Help, k.Quit},
	}
}
