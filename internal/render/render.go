// Package render formats messages and their sources for a terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/streamchat/internal/types"
)

const maxExcerptRunes = 280

// Message writes m's content, a status marker for interrupted messages and
// its numbered sources.
func Message(w io.Writer, m types.Message) error {
	content := m.Content
	if label := StatusLabel(m.Status); label != "" {
		content = strings.TrimRight(content, "\n") + " " + label
	}
	if _, err := fmt.Fprintln(w, strings.TrimSpace(content)); err != nil {
		return err
	}
	if len(m.Sources) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return Sources(w, m.Sources)
}

// Transcript writes msgs in order, each prefixed with its role. It stops at
// the first write error.
func Transcript(w io.Writer, msgs []types.Message) error {
	for _, m := range msgs {
		if _, err := fmt.Fprintf(w, "%s> ", m.Role); err != nil {
			return err
		}
		if err := Message(w, m); err != nil {
			return err
		}
	}
	return nil
}

// Sources writes a numbered source list.
func Sources(w io.Writer, sources []types.Source) error {
	if len(sources) == 0 {
		_, err := fmt.Fprintln(w, "No sources.")
		return err
	}
	if _, err := fmt.Fprintln(w, "Sources:"); err != nil {
		return err
	}
	for i, s := range sources {
		line := fmt.Sprintf("[%d] %s", i+1, sourceTitle(s))
		if s.URL != "" {
			line += " <" + s.URL + ">"
		}
		if s.Score != nil {
			line += fmt.Sprintf(" (%.2f)", *s.Score)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		if ex := Excerpt(s.Excerpt); ex != "" {
			if _, err := fmt.Fprintln(w, indent(ex, "    ")); err != nil {
				return err
			}
		}
	}
	return nil
}

// StatusLabel marks messages that did not complete normally.
func StatusLabel(status types.MessageStatus) string {
	switch status {
	case types.StatusCancelled:
		return "[stopped]"
	case types.StatusErrored:
		return "[interrupted]"
	default:
		return ""
	}
}

// Excerpt converts HTML excerpts to markdown and shortens them.
func Excerpt(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if looksLikeHTML(s) {
		if md, err := htmltomarkdown.ConvertString(s); err == nil {
			s = strings.TrimSpace(md)
		}
	}
	if utf8.RuneCountInString(s) > maxExcerptRunes {
		s = string([]rune(s)[:maxExcerptRunes-1]) + "…"
	}
	return s
}

func sourceTitle(s types.Source) string {
	if s.Title != "" {
		return s.Title
	}
	if s.URL != "" {
		return s.URL
	}
	return "untitled"
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
