package log

import (
	"bytes"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNew(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(&buf, "warn", "json")
		assert.NoError(t, err)

		l.Info().Msg("dropped")
		l.Warn().Str("graph", "g").Msg("kept")
		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), `"graph":"g"`)
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(&buf, "", "console")
		assert.NoError(t, err)
		l.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("errors", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, "loud", "json")
		assert.Error(t, err)
		_, err = New(&bytes.Buffer{}, "info", "xml")
		assert.Error(t, err)
	})
}
