package hsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/harmonics/hfunc"
)

func drain(t *testing.T, s Source, n int) []hfunc.Tensor {
	t.Helper()
	out := make([]hfunc.Tensor, 0, n)
	for i := 0; i < n; i++ {
		rec, err := s.Next(context.Background())
		assert.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestList(t *testing.T) {
	t.Run("values exhaust", func(t *testing.T) {
		l := Values(1, 2, 3)
		assert.Equal(t, []hfunc.Tensor{{1}, {2}, {3}}, drain(t, l, 3))
		_, err := l.Next(context.Background())
		assert.True(t, errors.Is(err, ErrExhausted))
	})

	t.Run("cycle", func(t *testing.T) {
		l := Values(1, 2).Cycle()
		assert.Equal(t, []hfunc.Tensor{{1}, {2}, {1}, {2}, {1}}, drain(t, l, 5))
	})

	t.Run("records are copied", func(t *testing.T) {
		rec := hfunc.Tensor{1, 2}
		l := Records(rec)
		rec[0] = 9
		got := drain(t, l, 1)
		assert.Equal(t, hfunc.Tensor{1, 2}, got[0])
	})

	t.Run("closed", func(t *testing.T) {
		l := Values(1)
		assert.NoError(t, l.Close())
		_, err := l.Next(context.Background())
		assert.True(t, errors.Is(err, ErrClosed))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Values(1).Next(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestCSV(t *testing.T) {
	t.Run("rows cycle", func(t *testing.T) {
		c, err := NewCSV(strings.NewReader("1, 2,\n\n3,4\n"))
		assert.NoError(t, err)
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, []hfunc.Tensor{{1, 2}, {3, 4}, {1, 2}}, drain(t, c, 3))
	})

	t.Run("quoted numbers", func(t *testing.T) {
		c, err := NewCSV(strings.NewReader(`"1.5",-2e1` + "\n"))
		assert.NoError(t, err)
		assert.Equal(t, []hfunc.Tensor{{1.5, -20}}, drain(t, c, 1))
	})

	t.Run("invalid number", func(t *testing.T) {
		_, err := NewCSV(strings.NewReader("1,2\n3,x\n"))
		assert.True(t, errors.Is(err, ErrMalformed))
		assert.Contains(t, err.Error(), "row 2 column 2")
	})

	t.Run("uniform rows", func(t *testing.T) {
		_, err := NewCSV(strings.NewReader("1,2\n3\n"), WithUniformRows())
		assert.True(t, errors.Is(err, ErrMalformed))

		_, err = NewCSV(strings.NewReader("1,2\n3\n"))
		assert.NoError(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		c, err := NewCSV(strings.NewReader(""))
		assert.NoError(t, err)
		_, err = c.Next(context.Background())
		assert.True(t, errors.Is(err, ErrExhausted))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.csv")
		assert.NoError(t, os.WriteFile(path, []byte("1\n2\n3\n"), 0o600))

		c, err := Open(context.Background(), path, nil)
		assert.NoError(t, err)
		assert.Equal(t, []hfunc.Tensor{{1}, {2}, {3}, {1}}, drain(t, c, 4))

		_, err = OpenCSV(filepath.Join(t.TempDir(), "missing.csv"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("s3 without client", func(t *testing.T) {
		_, err := Open(context.Background(), "s3://bucket/data.csv", nil)
		assert.Error(t, err)
	})
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := ParseS3URI("s3://datasets/train/x.csv")
	assert.NoError(t, err)
	assert.Equal(t, "datasets", bucket)
	assert.Equal(t, "train/x.csv", key)

	_, _, err = ParseS3URI("s3://datasets")
	assert.Error(t, err)
	_, _, err = ParseS3URI("http://datasets/x.csv")
	assert.Error(t, err)
}
