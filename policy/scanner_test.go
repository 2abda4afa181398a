package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanBlanksStrings(t *testing.T) {
	lines, err := scan(`x = "import os; eval('boom')"` + "\n")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0].text, "import")
	assert.NotContains(t, lines[0].text, "eval")
	assert.Contains(t, lines[0].text, "''")
}

func TestScanStripsComments(t *testing.T) {
	lines, err := scan("x = 1  # eval is mentioned here\ny = 2\n")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0].text, "eval")
	assert.Equal(t, 2, lines[1].line)
}

func TestScanJoinsBracketedLines(t *testing.T) {
	lines, err := scan("x = (1 +\n     2 +\n     3)\ny = 4\n")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0].text, "1 +")
	assert.Contains(t, lines[0].text, "3)")
	assert.Equal(t, 1, lines[0].line)
	assert.Equal(t, 4, lines[1].line)
}

func TestScanJoinsBackslashContinuation(t *testing.T) {
	lines, err := scan("x = 1 + \\\n    2\n")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].text, "2")
}

func TestScanTripleQuotedString(t *testing.T) {
	lines, err := scan("x = \"\"\"line one\nimport os\n\"\"\"\ny = 2\n")
	require.NoError(t, err)
	var all []string
	for _, ln := range lines {
		all = append(all, ln.text)
	}
	assert.NotContains(t, strings.Join(all, "\n"), "import")
}

func TestScanFStringInterpolationsStayVisible(t *testing.T) {
	t.Run("ExpressionIsCode", func(t *testing.T) {
		lines, err := scan("x = f\"rss {df.__class__} bytes\"\n")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0].text, "__class__")
		assert.NotContains(t, lines[0].text, "rss")
		assert.NotContains(t, lines[0].text, "bytes")
	})

	t.Run("NestedBraces", func(t *testing.T) {
		lines, err := scan("x = f\"{ {'k': v} }\"\n")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0].text, "v")
	})

	t.Run("LiteralBracesAreData", func(t *testing.T) {
		lines, err := scan("x = f\"{{eval}}\"\n")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.NotContains(t, lines[0].text, "eval")
	})

	t.Run("PlainStringStaysBlanked", func(t *testing.T) {
		lines, err := scan("x = \"{df.__class__}\"\n")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.NotContains(t, lines[0].text, "__class__")
	})

	t.Run("IdentifierEndingInFIsNotAPrefix", func(t *testing.T) {
		// "conf" ends in f but is an ordinary name; the adjacent string
		// is a plain literal as far as blanking is concerned.
		lines, err := scan("x = conf ;\"{df.__class__}\"\n")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.NotContains(t, lines[0].text, "__class__")
	})
}

func TestScanErrors(t *testing.T) {
	t.Run("UnterminatedString", func(t *testing.T) {
		_, err := scan("x = 'abc\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unterminated string")
	})

	t.Run("UnbalancedOpen", func(t *testing.T) {
		_, err := scan("x = (1 + 2\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unbalanced brackets")
	})

	t.Run("UnbalancedClose", func(t *testing.T) {
		_, err := scan("x = 1)\n")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unbalanced brackets")
	})
}

func TestScanIndent(t *testing.T) {
	lines, err := scan("def transform(df):\n    return df\n")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, 0, lines[0].indent)
	assert.Equal(t, 4, lines[1].indent)
}

func TestIdentifiers(t *testing.T) {
	type tok struct {
		name   string
		attr   bool
		called bool
	}
	var got []tok
	identifiers("df.apply(helper) + eval(x)", func(name string, attr, called bool) {
		got = append(got, tok{name, attr, called})
	})
	assert.Equal(t, []tok{
		{"df", false, false},
		{"apply", true, true},
		{"helper", false, false},
		{"eval", false, true},
		{"x", false, false},
	}, got)
}
