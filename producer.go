package harmonics

import (
	"context"
	"errors"
	"sync"

	"github.com/birdayz/harmonics/hsource"
	"github.com/minio/minio-go/v7"
)

var errNilProducer = errors.New("producer is nil")

// Producer is an owned data source that can be bound to one producer node.
type Producer struct {
	mu        sync.Mutex
	src       hsource.Source
	destroyed bool
}

// NewCSVProducer opens a CSV file, or an s3://bucket/key object when WithS3
// is given. Rows are served in order and wrap around at the end.
func NewCSVProducer(ctx context.Context, location string, opts ...Option) (*Producer, error) {
	o := newOptions(opts)

	var csvOpts []hsource.CSVOption
	if o.uniformRows {
		csvOpts = append(csvOpts, hsource.WithUniformRows())
	}
	var client *minio.Client
	var err error
	if o.s3 != nil {
		if client, err = hsource.NewS3Client(*o.s3); err != nil {
			return nil, classify(ErrConfig, err)
		}
	}
	src, err := hsource.Open(ctx, location, client, csvOpts...)
	if err != nil {
		return nil, classify(ErrConfig, err)
	}
	o.log.Debug("Opened CSV producer", "location", location, "rows", src.Len())
	return &Producer{src: src}, nil
}

// NewValuesProducer serves one scalar per pull and is exhausted afterwards.
func NewValuesProducer(vals ...float64) *Producer {
	return &Producer{src: hsource.Values(vals...)}
}

// NewSourceProducer wraps a custom source. Destroy closes it.
func NewSourceProducer(src hsource.Source) *Producer {
	return &Producer{src: src}
}

func (p *Producer) source() (hsource.Source, error) {
	if p == nil {
		return nil, classify(ErrBinding, errNilProducer)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	return p.src, nil
}

// Destroy closes the source. A graph it is still bound to fails its next
// epoch.
func (p *Producer) Destroy() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	return p.src.Close()
}
