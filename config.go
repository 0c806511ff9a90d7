package harmonics

import (
	"log/slog"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/hsource"
	"github.com/birdayz/harmonics/internal/logging"
	"github.com/birdayz/harmonics/internal/transport"
	"github.com/go-logr/logr"
)

type options struct {
	log      *slog.Logger
	registry *hbackend.Registry
	backend  Backend

	sinks      []hsink.Sink
	pebbleDir  string
	observeLog *slog.Level

	key    []byte
	kafka  *transport.KafkaConfig
	buffer int

	s3          *hsource.S3Config
	uniformRows bool
}

// Option configures a handle.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		log:     logging.NullLogger(),
		backend: Auto,
		buffer:  transport.DefaultBuffer,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = hbackend.DefaultRegistry()
	}
	return o
}

// with returns a copy of o with extra options applied on top.
func (o *options) with(opts []Option) *options {
	c := *o
	c.sinks = append([]hsink.Sink(nil), o.sinks...)
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// WithLog sets the logger.
var WithLog = func(log *slog.Logger) Option {
	return func(o *options) {
		o.log = logging.OrNull(log)
	}
}

// WithLogr routes log output to a logr.Logger.
var WithLogr = func(log logr.Logger) Option {
	return func(o *options) {
		o.log = slog.New(logr.ToSlogHandler(log))
	}
}

// WithRegistry sets the table of available backends used to resolve Auto
// and to check capabilities.
var WithRegistry = func(r *hbackend.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithAvailableBackends makes only the given backends available.
var WithAvailableBackends = func(backends ...Backend) Option {
	return func(o *options) {
		o.registry = hbackend.NewRegistry(backends...)
	}
}

// WithBackend sets the backend a single graph runs on. Defaults to Auto.
var WithBackend = func(b Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithSink delivers observations to s in addition to the in-memory record.
// The caller keeps ownership of s.
var WithSink = func(s hsink.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s)
	}
}

// WithPebbleSink stores observations in a pebble database at dir. The
// database is opened with the handle and closed on Destroy.
var WithPebbleSink = func(dir string) Option {
	return func(o *options) {
		o.pebbleDir = dir
	}
}

// WithObservationLog logs every observation at level.
var WithObservationLog = func(level slog.Level) Option {
	return func(o *options) {
		o.observeLog = &level
	}
}

// WithKey sets the master key of secure schedulers. Without it a random key
// is generated per scheduler.
var WithKey = func(key []byte) Option {
	return func(o *options) {
		o.key = key
	}
}

// WithKafka carries boundary frames over Kafka topics instead of in-process
// channels.
var WithKafka = func(brokers []string, topicPrefix string) Option {
	return func(o *options) {
		o.kafka = &transport.KafkaConfig{Brokers: brokers, TopicPrefix: topicPrefix}
	}
}

// WithChannelBuffer sets how many frames an in-process boundary holds.
var WithChannelBuffer = func(frames int) Option {
	return func(o *options) {
		o.buffer = frames
	}
}

// WithS3 sets the object store used for s3:// producer locations.
var WithS3 = func(cfg hsource.S3Config) Option {
	return func(o *options) {
		o.s3 = &cfg
	}
}

// WithUniformRows makes CSV producers reject rows of differing width.
var WithUniformRows = func() Option {
	return func(o *options) {
		o.uniformRows = true
	}
}

// openSinks combines rec with the configured sinks. The returned close
// function releases only what the handle opened itself.
func (o *options) openSinks(rec *hsink.Recorder) (hsink.Sink, func() error, error) {
	sinks := []hsink.Sink{rec}
	sinks = append(sinks, o.sinks...)
	if o.observeLog != nil {
		sinks = append(sinks, hsink.NewLog(o.log, *o.observeLog))
	}
	closer := func() error { return nil }
	if o.pebbleDir != "" {
		db, err := hsink.OpenPebble(o.pebbleDir)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, db)
		closer = db.Close
	}
	return hsink.Multi(sinks...), closer, nil
}

func (o *options) transport() (transport.Transport, error) {
	if o.kafka == nil {
		return transport.NewInProc(o.buffer), nil
	}
	cfg := *o.kafka
	cfg.Log = o.log
	return transport.NewKafka(cfg)
}
