package tui

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const ansiReset = "\x1b[0m"

// truncateANSI cuts s to width display columns, keeping escape sequences
// intact and closing them when something was cut.
func truncateANSI(s string, width int) string {
	if width <= 0 {
		return s
	}
	if width == 1 {
		return "…"
	}

	maxVisible := width - 1
	var b strings.Builder
	b.Grow(len(s) + 4)

	visible := 0
	truncated := false
	sawEsc := false

	for i := 0; i < len(s); {
		if s[i] == 0x1b {
			sawEsc = true
			seq, n := readANSISequence(s[i:])
			if n > 0 {
				b.WriteString(seq)
				i += n
				continue
			}
			i++
			continue
		}

		r, n := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && n == 1 {
			i++
			continue
		}
		rw := max(runewidth.RuneWidth(r), 0)
		if visible+rw > maxVisible {
			truncated = true
			break
		}
		b.WriteRune(r)
		visible += rw
		i += n
	}

	if !truncated {
		return s
	}
	b.WriteRune('…')
	if sawEsc {
		b.WriteString(ansiReset)
	}
	return b.String()
}

func readANSISequence(s string) (string, int) {
	if len(s) < 2 || s[0] != 0x1b {
		return "", 0
	}
	switch s[1] {
	case '[':
		// CSI: ESC [ ... final byte in @-~
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return s[:i+1], i + 1
			}
		}
		return s, len(s)
	case ']':
		// OSC: ESC ] ... BEL or ESC \
		for i := 2; i < len(s); i++ {
			if s[i] == 0x07 {
				return s[:i+1], i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return s[:i+2], i + 2
			}
		}
		return s, len(s)
	default:
		return s[:2], 2
	}
}

func safeOneLine(s string, maxChars int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxChars > 0 && utf8.RuneCountInString(s) > maxChars {
		return string([]rune(s)[:maxChars]) + "…"
	}
	return s
}

func wrapText(text string, width int) string {
	if width <= 10 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}

func clamp(minv, v, maxv int) int {
	if v < minv {
		return minv
	}
	if v > maxv {
		return maxv
	}
	return v
}
