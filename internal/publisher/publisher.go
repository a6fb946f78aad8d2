package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
)

// ErrUnknownTopic is returned when subscribing to a topic that is not served.
var ErrUnknownTopic = errors.New("unknown topic")

// Message is one encoded frame delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription receives messages on C until Cancel is called or the
// publisher closes.
type Subscription struct {
	C      <-chan Message
	ch     chan Message
	topics []string
	p      *Publisher
	once   sync.Once
	missed atomic.Int64
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.p.unsubscribe(s) })
}

// Missed returns how many stale messages were evicted because this
// subscriber was too slow to take them.
func (s *Subscription) Missed() int64 { return s.missed.Load() }

type topic struct {
	name  string
	queue *Queue
	subs  map[*Subscription]struct{}
	count atomic.Int32
}

// Publisher serializes samples, flushed buffers and state changes into
// frames on three topics. Each topic has a bounded drop-oldest queue drained
// by its own dispatcher, and every subscriber holds at most hwm frames,
// again dropping the oldest. Producers never block.
type Publisher struct {
	base       string
	instrument string
	hwm        int
	log        *logger.Logger

	freq atomic.Pointer[models.FrequencyTable]

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	published atomic.Int64
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New creates a publisher for base topic (e.g. "callisto" serves
// callisto.samples, callisto.buffers and callisto.state).
func New(base, instrument string, hwm int, log *logger.Logger) *Publisher {
	if hwm < 1 {
		hwm = 1
	}
	p := &Publisher{
		base:       base,
		instrument: instrument,
		hwm:        hwm,
		log:        logger.OrNop(log).Named("publisher"),
		topics:     make(map[string]*topic, 3),
	}
	for _, name := range []string{p.SamplesTopic(), p.BuffersTopic(), p.StateTopic()} {
		p.topics[name] = &topic{name: name, queue: NewQueue(hwm), subs: map[*Subscription]struct{}{}}
	}
	return p
}

func (p *Publisher) SamplesTopic() string { return p.base + ".samples" }
func (p *Publisher) BuffersTopic() string { return p.base + ".buffers" }
func (p *Publisher) StateTopic() string   { return p.base + ".state" }

// Topics lists the served topics.
func (p *Publisher) Topics() []string {
	return []string{p.SamplesTopic(), p.BuffersTopic(), p.StateTopic()}
}

// SetFrequencies sets the table used to label sample frames.
func (p *Publisher) SetFrequencies(t *models.FrequencyTable) { p.freq.Store(t) }

// Start launches one dispatcher per topic.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, t := range p.topics {
		p.wg.Add(1)
		go p.dispatch(ctx, t)
	}
}

// Close stops the dispatchers and ends every subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		for s := range t.subs {
			close(s.ch)
			delete(t.subs, s)
		}
		t.count.Store(0)
	}
}

// Subscribe attaches to one topic, or to every topic when name is empty.
func (p *Publisher) Subscribe(name string) (*Subscription, error) {
	names := p.Topics()
	if name != "" {
		if _, ok := p.topics[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
		}
		names = []string{name}
	}
	ch := make(chan Message, p.hwm)
	s := &Subscription{C: ch, ch: ch, topics: names, p: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("publisher closed")
	}
	for _, n := range names {
		t := p.topics[n]
		t.subs[s] = struct{}{}
		t.count.Add(1)
	}
	p.log.Infow("subscriber_attached", "topics", names)
	return s, nil
}

func (p *Publisher) unsubscribe(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range s.topics {
		t := p.topics[n]
		if _, ok := t.subs[s]; ok {
			delete(t.subs, s)
			t.count.Add(-1)
		}
	}
}

// PublishSample enqueues a sample frame.
func (p *Publisher) PublishSample(s models.Sample) {
	t := p.topics[p.SamplesTopic()]
	if t.count.Load() == 0 {
		return
	}
	p.enqueue(t, sampleFrame(t.name, p.instrument, s, p.freq.Load()))
}

// PublishBuffer enqueues a flushed-buffer frame.
func (p *Publisher) PublishBuffer(b *models.Buffer) {
	t := p.topics[p.BuffersTopic()]
	if t.count.Load() == 0 {
		return
	}
	p.enqueue(t, bufferFrame(t.name, p.instrument, b))
}

// PublishState enqueues a state-change frame.
func (p *Publisher) PublishState(c models.StateChange) {
	t := p.topics[p.StateTopic()]
	if t.count.Load() == 0 {
		return
	}
	p.enqueue(t, stateFrame(t.name, p.instrument, c))
}

// Name makes the publisher usable as a buffer sink.
func (p *Publisher) Name() string { return "publisher" }

// Write publishes b on the buffers topic. It never fails: publishing with no
// subscriber is a no-op.
func (p *Publisher) Write(_ context.Context, b *models.Buffer) error {
	p.PublishBuffer(b)
	return nil
}

// Dropped returns the number of frames discarded by full topic queues.
func (p *Publisher) Dropped() int64 {
	var n int64
	for _, t := range p.topics {
		n += t.queue.Dropped()
	}
	return n
}

// Published returns how many frames were enqueued.
func (p *Publisher) Published() int64 { return p.published.Load() }

func (p *Publisher) enqueue(t *topic, f Frame) {
	payload, err := f.Encode()
	if err != nil {
		p.log.Warnw("frame_encode_failed", "topic", t.name, "err", err)
		return
	}
	p.published.Add(1)
	if t.queue.Push(payload) {
		p.log.Debugw("frame_dropped_oldest", "topic", t.name)
	}
}

func (p *Publisher) dispatch(ctx context.Context, t *topic) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.queue.Ready():
		}
		frames := t.queue.Drain()
		p.mu.RLock()
		for _, payload := range frames {
			msg := Message{Topic: t.name, Payload: payload}
			for s := range t.subs {
				s.offer(msg)
			}
		}
		p.mu.RUnlock()
	}
}

// offer delivers msg without blocking. A full subscriber channel gives up
// its oldest message to make room, so a slow reader always sees the most
// recent frames.
func (s *Subscription) offer(msg Message) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.missed.Add(1)
		default:
		}
	}
}
