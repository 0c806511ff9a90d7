package hsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/birdayz/harmonics/hfunc"
)

// CSV serves the numeric rows of comma separated data. Each non-blank row is
// one record; empty cells are skipped so trailing commas are accepted. Rows are
// served cyclically, restarting at the first row after the last.
type CSV struct {
	rows *List
}

var _ Source = (*CSV)(nil)

type csvOptions struct {
	uniform bool
}

// CSVOption configures CSV parsing.
type CSVOption func(*csvOptions)

// WithUniformRows rejects data whose rows differ in width.
var WithUniformRows = func() CSVOption {
	return func(o *csvOptions) {
		o.uniform = true
	}
}

// NewCSV parses all of r.
func NewCSV(r io.Reader, opts ...CSVOption) (*CSV, error) {
	o := csvOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var records []hfunc.Tensor
	width := 0
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		line, _ := cr.FieldPos(0)

		rec := make(hfunc.Tensor, 0, len(fields))
		for col, field := range fields {
			cell := strings.TrimSpace(field)
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid number %q at row %d column %d", ErrMalformed, cell, line, col+1)
			}
			rec = append(rec, v)
		}
		if len(rec) == 0 {
			continue
		}
		if o.uniform {
			if width == 0 {
				width = len(rec)
			} else if len(rec) != width {
				return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrMalformed, line, len(rec), width)
			}
		}
		records = append(records, rec)
	}

	return &CSV{rows: (&List{records: records}).Cycle()}, nil
}

// OpenCSV reads a CSV file from the local file system.
func OpenCSV(path string, opts ...CSVOption) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}
	defer f.Close()
	return NewCSV(f, opts...)
}

// Next returns the next row. An empty file yields ErrExhausted.
func (c *CSV) Next(ctx context.Context) (hfunc.Tensor, error) {
	return c.rows.Next(ctx)
}

// Len returns the number of rows.
func (c *CSV) Len() int {
	return c.rows.Len()
}

func (c *CSV) Close() error {
	return c.rows.Close()
}
