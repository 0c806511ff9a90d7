package hsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var ErrNotFound = errors.New("observation not found")

// Pebble persists observations keyed by partition, consumer and epoch. Values
// are CBOR encoded.
type Pebble struct {
	db *pebble.DB
}

var _ Sink = (*Pebble)(nil)

// OpenPebble opens or creates the store in dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

func consumerPrefix(partition int, consumer string) []byte {
	return []byte(fmt.Sprintf("%06d/%s/", partition, consumer))
}

func observationKey(partition int, consumer string, epoch int) []byte {
	return fmt.Appendf(consumerPrefix(partition, consumer), "%012d", epoch)
}

func (p *Pebble) Observe(_ context.Context, obs Observation) error {
	v, err := cbor.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}
	return p.db.Set(observationKey(obs.Partition, obs.Consumer, obs.Epoch), v, &pebble.WriteOptions{Sync: false})
}

// Get returns the observation of consumer in partition at epoch.
func (p *Pebble) Get(partition int, consumer string, epoch int) (Observation, error) {
	v, closer, err := p.db.Get(observationKey(partition, consumer, epoch))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Observation{}, ErrNotFound
		}
		return Observation{}, err
	}
	defer closer.Close()

	var obs Observation
	if err := cbor.Unmarshal(v, &obs); err != nil {
		return Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	return obs, nil
}

// Scan returns every stored observation of consumer in partition, in epoch
// order.
func (p *Pebble) Scan(partition int, consumer string) ([]Observation, error) {
	lower := consumerPrefix(partition, consumer)
	upper := consumerPrefix(partition, consumer)
	upper[len(upper)-1]++

	iter := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	defer iter.Close()

	var out []Observation
	for valid := iter.First(); valid; valid = iter.Next() {
		var obs Observation
		if err := cbor.Unmarshal(iter.Value(), &obs); err != nil {
			return nil, fmt.Errorf("decode observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, iter.Error()
}

func (p *Pebble) Close() error {
	if err := p.db.Flush(); err != nil {
		return err
	}
	return p.db.Close()
}
