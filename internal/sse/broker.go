// Package sse implements a Server-Sent Events broker that pushes image
// changes to connected clients. Clients may narrow the stream to one public
// key with GET /events?user=<publicKey>.
package sse

import (
	"bytes"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Image change kinds.
const (
	ImageCreated    = "image.created"
	ImageDeleted    = "image.deleted"
	MetadataUpdated = "metadata.updated"
	ShortURLCreated = "shorturl.created"
	StatsUpdated    = "stats.updated"
)

// Event is one message on the stream. User scopes delivery: subscribers
// filtering on another public key do not receive it. An empty User reaches
// everyone.
type Event struct {
	Type string
	User string
	Data any
}

// ImageEvent is the payload of an image change.
type ImageEvent struct {
	User            string `json:"user"`
	ImageIdentifier string `json:"imageIdentifier"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat sets how often ServeHTTP writes a keep-alive comment.
// Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) { b.heartbeat = d }
}

type change struct {
	kind string
	ImageEvent
}

// subscriber is a connected client and the public key it listens for.
type subscriber struct {
	ch   chan []byte
	user string
}

// Broker fans image events out to SSE clients.
//
// One loop goroutine owns the subscriber set, the event sequence and the
// per-user stats throttle; the exported methods talk to it over channels.
type Broker struct {
	statsEvery time.Duration
	heartbeat  time.Duration

	join    chan subscriber
	leave   chan chan []byte
	events  chan Event
	changes chan change
	count   chan chan int

	stop    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits stats.updated for a user at most once
// per statsThrottle.
func NewBroker(statsThrottle time.Duration, opts ...Option) *Broker {
	if statsThrottle <= 0 {
		statsThrottle = 2 * time.Second
	}
	b := &Broker{
		statsEvery: statsThrottle,
		heartbeat:  30 * time.Second,
		join:       make(chan subscriber),
		leave:      make(chan chan []byte),
		events:     make(chan Event, 256),
		changes:    make(chan change, 256),
		count:      make(chan chan int),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.loop()
	return b
}

// frame renders an event in text/event-stream framing.
func frame(id uint64, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatUint(id, 10))
	buf.WriteString("\nevent: ")
	buf.WriteString(ev.Type)
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

func (b *Broker) loop() {
	defer close(b.stopped)

	subs := make(map[chan []byte]string)
	lastStats := make(map[string]time.Time)
	var seq uint64

	deliver := func(ev Event) {
		seq++
		raw, err := frame(seq, ev)
		if err != nil {
			return
		}
		for ch, user := range subs {
			if user != "" && ev.User != "" && user != ev.User {
				continue
			}
			select {
			case ch <- raw:
			default:
				// slow client, drop
			}
		}
	}

	for {
		select {
		case <-b.stop:
			for ch := range subs {
				close(ch)
			}
			return

		case s := <-b.join:
			subs[s.ch] = s.user

		case ch := <-b.leave:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.events:
			deliver(ev)

		case c := <-b.changes:
			deliver(Event{Type: c.kind, User: c.User, Data: c.ImageEvent})

			// Counts only move when images come or go.
			if c.kind != ImageCreated && c.kind != ImageDeleted {
				continue
			}
			now := time.Now()
			if now.Sub(lastStats[c.User]) >= b.statsEvery {
				lastStats[c.User] = now
				deliver(Event{Type: StatsUpdated, User: c.User, Data: map[string]string{"user": c.User}})
			}

		case resp := <-b.count:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stop)
	}
	<-b.stopped
}

// Subscribe adds a client. A non-empty user limits it to that public key's
// events.
func (b *Broker) Subscribe(user string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.join <- subscriber{ch: ch, user: user}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leave <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.count <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to the matching clients.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.events <- ev:
	case <-b.stopped:
	}
}

// PublishImageEvent publishes an image change. Creations and deletions are
// followed by a stats.updated event for the user, throttled per user.
func (b *Broker) PublishImageEvent(kind, user, imageIdentifier string) {
	if b.closed.Load() {
		return
	}
	c := change{kind: kind, ImageEvent: ImageEvent{User: user, ImageIdentifier: imageIdentifier}}
	select {
	case b.changes <- c:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.URL.Query().Get("user"))
	defer b.Unsubscribe(ch)

	var tick <-chan time.Time
	if b.heartbeat > 0 {
		t := time.NewTicker(b.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
