package signup

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is Discord's per-message character limit.
const MaxMessageLength = 2000

// rulesDelimiter separates paragraphs in the rules file.
const rulesDelimiter = "==="

// RulesSource provides the guild rules text. It is read once per session.
type RulesSource interface {
	Rules() (string, error)
}

// FileRules reads rules from a UTF-8 file on every call.
type FileRules struct {
	Path string
}

// Rules implements RulesSource.
func (f FileRules) Rules() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("signup: read rules %s: %w", f.Path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("signup: rules %s: not valid UTF-8", f.Path)
	}
	return string(data), nil
}

// SplitRules splits rules text on "===" markers into message-sized chunks.
// Blank chunks are skipped. A chunk longer than MaxMessageLength characters
// fails the whole split with ErrMessageTooLong.
func SplitRules(text string) ([]string, error) {
	var chunks []string
	for i, part := range strings.Split(text, rulesDelimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n := utf8.RuneCountInString(part); n > MaxMessageLength {
			return nil, fmt.Errorf("%w: paragraph %d has %d characters (limit %d)",
				ErrMessageTooLong, i+1, n, MaxMessageLength)
		}
		chunks = append(chunks, part)
	}
	return chunks, nil
}

// LoadRules reads and splits the rules file at path.
func LoadRules(path string) ([]string, error) {
	text, err := FileRules{Path: path}.Rules()
	if err != nil {
		return nil, err
	}
	return SplitRules(text)
}
