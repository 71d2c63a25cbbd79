package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTopic = "threadsync.jobs"

type BusConfig struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Topic      string
	// MaxRetries bounds in-process retries of a failing handler before the
	// job is logged and dropped.
	MaxRetries int
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Bus publishes jobs to a topic and dispatches consumed jobs to the handler
// registered for their kind. Delayed jobs are held by in-process timers.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	router *message.Router
	topic  string
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
	timers   map[string]*time.Timer
	closed   bool
}

var _ Publisher = &Bus{}

// NewInMemoryBus builds a bus on a watermill gochannel.
func NewInMemoryBus(logger zerolog.Logger) (*Bus, error) {
	wlog := NewWatermillLogger(logger)
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wlog)
	return NewBus(BusConfig{Publisher: ch, Subscriber: ch, Logger: &logger})
}

func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Publisher == nil || cfg.Subscriber == nil {
		return nil, errors.New("job bus: publisher and subscriber are required")
	}
	logger := log.With().Str("component", "jobs").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "jobs").Logger()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	wlog := NewWatermillLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{}, wlog)
	if err != nil {
		return nil, errors.Wrap(err, "job bus: new router")
	}
	b := &Bus{
		pub:      cfg.Publisher,
		sub:      cfg.Subscriber,
		router:   router,
		topic:    topic,
		now:      now,
		logger:   logger,
		handlers: map[Kind]Handler{},
		timers:   map[string]*time.Timer{},
	}
	router.AddMiddleware(
		b.dropPoisoned,
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      maxRetries,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			Logger:          wlog,
		}.Middleware,
	)
	router.AddNoPublisherHandler("threadsync-jobs", topic, cfg.Subscriber, b.dispatch)
	return b, nil
}

// Handle registers h for kind, replacing any previous handler.
func (b *Bus) Handle(kind Kind, h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

func (b *Bus) Publish(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if b == nil {
		return "", errors.New("job bus: nil bus")
	}
	job = ensureID(job)
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = b.now().UnixMilli()
	}
	if delay <= 0 {
		return job.ID, b.publishNow(job)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", errors.New("job bus: closed")
	}
	if prev, ok := b.timers[job.ID]; ok {
		prev.Stop()
	}
	b.timers[job.ID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, job.ID)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.publishNow(job); err != nil {
			b.logger.Error().Err(err).Str("job", string(job.Kind)).Str("job_id", job.ID).Msg("delayed job publish failed")
		}
	})
	return job.ID, nil
}

func (b *Bus) publishNow(job Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(job.ID, payload)
	msg.Metadata.Set("kind", string(job.Kind))
	if err := b.pub.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "job bus: publish %s", job.Kind)
	}
	return nil
}

func (b *Bus) dispatch(msg *message.Message) error {
	job, err := UnmarshalJob(msg.Payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed job")
		return nil
	}
	b.mu.RLock()
	h := b.handlers[job.Kind]
	b.mu.RUnlock()
	if h == nil {
		b.logger.Warn().Str("job", string(job.Kind)).Msg("no handler for job kind")
		return nil
	}
	return h(msg.Context(), job)
}

// dropPoisoned acks a message whose handler still fails after retries so a
// broken job cannot block the topic.
func (b *Bus) dropPoisoned(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			b.logger.Error().Err(err).
				Str("message_id", msg.UUID).
				Str("job", msg.Metadata.Get("kind")).
				Msg("job failed, dropping")
			return nil, nil
		}
		return out, nil
	}
}

// Run blocks until ctx is done or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	if b == nil {
		return errors.New("job bus: nil bus")
	}
	return b.router.Run(ctx)
}

// Running is closed once the router has subscribed to the topic.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	var errs []error
	if err := b.router.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "job bus: close")
	}
	return nil
}

// PendingDelayed reports how many delayed jobs are waiting on timers.
func (b *Bus) PendingDelayed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.timers)
}
