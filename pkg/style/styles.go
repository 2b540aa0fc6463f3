// Package style holds the terminal styles of the deployd CLI.
//
// Styles are defined by semantic name in an embedded YAML file with
// adaptive colors that follow the terminal's light or dark background.
// Output that is not a terminal is left unstyled.
package style

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// ColorDef is an adaptive color in the styles file
type ColorDef struct {
	Light string `yaml:"light"`
	Dark  string `yaml:"dark"`
}

// StyleDef is one named style in the styles file
type StyleDef struct {
	Bold       bool   `yaml:"bold,omitempty"`
	Italic     bool   `yaml:"italic,omitempty"`
	Foreground string `yaml:"foreground,omitempty"`
	Width      int    `yaml:"width,omitempty"`
	Align      string `yaml:"align,omitempty"`
	MarginTop  int    `yaml:"marginTop,omitempty"`
}

// Config is the styles file
type Config struct {
	Colors map[string]ColorDef `yaml:"colors"`
	Styles map[string]StyleDef `yaml:"styles"`
}

//go:embed styles.yaml
var embeddedStyles []byte

var (
	mu       sync.RWMutex
	registry = map[string]lipgloss.Style{}
)

func init() {
	// Plain output still works without styles
	_ = LoadDefaults()
}

// LoadDefaults restores the built-in styles
func LoadDefaults() error {
	return LoadFromData(embeddedStyles)
}

// LoadFromData replaces the registry with the styles in data
func LoadFromData(data []byte) error {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse styles: %w", err)
	}

	colors := make(map[string]lipgloss.AdaptiveColor, len(config.Colors))
	for name, def := range config.Colors {
		colors[name] = lipgloss.AdaptiveColor{Light: def.Light, Dark: def.Dark}
	}

	styles := make(map[string]lipgloss.Style, len(config.Styles))
	for name, def := range config.Styles {
		s, err := build(def, colors)
		if err != nil {
			return fmt.Errorf("style %s: %w", name, err)
		}
		styles[name] = s
	}

	mu.Lock()
	registry = styles
	mu.Unlock()
	return nil
}

func build(def StyleDef, colors map[string]lipgloss.AdaptiveColor) (lipgloss.Style, error) {
	s := lipgloss.NewStyle()
	if def.Bold {
		s = s.Bold(true)
	}
	if def.Italic {
		s = s.Italic(true)
	}
	if def.Foreground != "" {
		color, ok := colors[def.Foreground]
		if !ok {
			return s, fmt.Errorf("unknown color %q", def.Foreground)
		}
		s = s.Foreground(color)
	}
	if def.Width > 0 {
		s = s.Width(def.Width)
	}
	switch def.Align {
	case "", "left":
	case "center":
		s = s.Align(lipgloss.Center)
	case "right":
		s = s.Align(lipgloss.Right)
	default:
		return s, fmt.Errorf("unknown alignment %q", def.Align)
	}
	if def.MarginTop > 0 {
		s = s.MarginTop(def.MarginTop)
	}
	return s, nil
}

// Get returns the named style, or a plain style if there is none
func Get(name string) lipgloss.Style {
	mu.RLock()
	defer mu.RUnlock()
	if s, ok := registry[name]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// Has reports whether a style is defined
func Has(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Render styles text for w. Text for anything but a terminal is returned
// unchanged.
func Render(w io.Writer, name, text string) string {
	if !IsTerminal(w) {
		return text
	}
	return Get(name).Render(text)
}
