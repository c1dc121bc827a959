// Package spell flags tokens missing from a word list.
package spell

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultDictionaries are tried in order when no word list is configured.
var DefaultDictionaries = []string{
	"/usr/share/dict/words",
	"/usr/dict/words",
}

// Checker is a dictionary lookup with locale-aware lowercasing. It is safe
// for concurrent use.
type Checker struct {
	tag   language.Tag
	words map[string]struct{}
}

// NewChecker builds a checker over words.
func NewChecker(words []string, tag language.Tag) *Checker {
	c := &Checker{tag: tag, words: make(map[string]struct{}, len(words))}
	lower := cases.Lower(tag)
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		c.words[lower.String(w)] = struct{}{}
	}
	return c
}

// Load reads a word list: one word per line, optionally followed by
// whitespace-separated columns (such as a frequency), '#' starts a comment.
func Load(path string, tag language.Tag) (*Checker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()

	var words []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, strings.Fields(line)[0])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read dictionary %s: %w", path, err)
	}
	return NewChecker(words, tag), nil
}

// LoadFirst loads the first readable dictionary among paths. It returns an
// empty checker and ok=false when none can be read.
func LoadFirst(paths []string, tag language.Tag) (c *Checker, path string, ok bool) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if c, err := Load(p, tag); err == nil && c.Len() > 0 {
			return c, p, true
		}
	}
	return NewChecker(nil, tag), "", false
}

// Len is the number of distinct dictionary words.
func (c *Checker) Len() int { return len(c.words) }

// Unknown returns the distinct lowercased tokens not found in the dictionary,
// sorted. Surrounding punctuation is stripped and numbers are never flagged.
// A checker with an empty dictionary flags nothing.
func (c *Checker) Unknown(tokens []string) []string {
	if len(c.words) == 0 {
		return []string{}
	}
	lower := cases.Lower(c.tag)
	seen := make(map[string]struct{})
	for _, tok := range tokens {
		w := lower.String(strings.TrimFunc(tok, isTrimmable))
		if !shouldCheck(w) {
			continue
		}
		if _, ok := c.words[w]; ok {
			continue
		}
		seen[w] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func isTrimmable(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

func shouldCheck(w string) bool {
	if w == "" {
		return false
	}
	if _, err := strconv.ParseFloat(strings.ReplaceAll(w, ",", ""), 64); err == nil {
		return false
	}
	for _, r := range w {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
