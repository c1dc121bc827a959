package spell

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestUnknownFlagsMissingWords(t *testing.T) {
	c := NewChecker([]string{"hello", "world", "the"}, language.English)

	got := c.Unknown([]string{"Hello", "wrold,", "THE", "wrold", "42", "3.14", "--", "Zzyzx"})
	assert.Equal(t, []string{"wrold", "zzyzx"}, got)
}

func TestUnknownWithEmptyDictionaryFlagsNothing(t *testing.T) {
	c := NewChecker(nil, language.Und)
	got := c.Unknown([]string{"anything"})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestUnknownUsesLanguageCasing(t *testing.T) {
	c := NewChecker([]string{"istanbul"}, language.Turkish)
	// Turkish lowercases I to a dotless ı.
	assert.Equal(t, []string{"ıstanbul"}, c.Unknown([]string{"ISTANBUL"}))

	c = NewChecker([]string{"istanbul"}, language.English)
	assert.Empty(t, c.Unknown([]string{"ISTANBUL"}))
}

func TestLoadWordList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "words.txt")
	content := "# frequency list\nhello 120\n\nworld\t80\nScanner\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path, language.English)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Empty(t, c.Unknown([]string{"scanner", "World"}))
}

func TestLoadFirstSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "words")
	require.NoError(t, os.WriteFile(good, []byte("alpha\n"), 0o644))

	c, path, ok := LoadFirst([]string{"", filepath.Join(dir, "missing"), good}, language.Und)
	require.True(t, ok)
	assert.Equal(t, good, path)
	assert.Equal(t, 1, c.Len())

	c, _, ok = LoadFirst([]string{filepath.Join(dir, "missing")}, language.Und)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
