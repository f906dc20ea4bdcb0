package assistant

import (
	"sync"
)

// Chunk is one piece of an answer being generated.
type Chunk struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"chunk"`
}

// Broker fans answer chunks out to the subscribers of their session.
// Publish never blocks: every subscriber drains its own unbounded queue.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	session string

	mu     sync.Mutex
	queue  []Chunk
	notify chan struct{}

	out  chan Chunk
	done chan struct{}
	once sync.Once
}

// Publish queues c for every subscriber of c.SessionID.
func (b *Broker) Publish(c Chunk) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.session == c.SessionID {
			s.push(c)
		}
	}
}

// Subscribe returns the chunks of sessionID in publication order. cancel
// releases the subscription and closes the channel. On a closed broker the
// channel is returned closed.
func (b *Broker) Subscribe(sessionID string) (<-chan Chunk, func()) {
	s := &subscriber{
		session: sessionID,
		notify:  make(chan struct{}, 1),
		out:     make(chan Chunk),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscriber. Later Publish calls are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		s.stop()
		delete(b.subs, s)
	}
}

func (s *subscriber) push(c Chunk) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.done) }) }

// pump moves queued chunks to out until the subscriber stops.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		c := s.queue[0]
		s.queue[0] = Chunk{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- c:
		case <-s.done:
			return
		}
	}
}
