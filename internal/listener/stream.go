package listener

import (
	"github.com/starford/pictura/internal/event"
	"github.com/starford/pictura/internal/sse"
)

// Publisher receives image change notifications.
type Publisher interface {
	PublishImageEvent(kind, user, imageIdentifier string)
}

// EventStream forwards successful image, metadata and short link changes to
// a Publisher. It runs after the resource so failed requests publish nothing.
type EventStream struct {
	Publisher Publisher
}

// NewEventStream creates an EventStream publishing to p.
func NewEventStream(p Publisher) *EventStream {
	return &EventStream{Publisher: p}
}

var streamKinds = map[event.Name]string{
	"image.put":       sse.ImageCreated,
	"image.delete":    sse.ImageDeleted,
	"metadata.put":    sse.MetadataUpdated,
	"metadata.post":   sse.MetadataUpdated,
	"metadata.delete": sse.MetadataUpdated,
	"shorturls.post":  sse.ShortURLCreated,
}

func (*EventStream) Subscriptions() map[event.Name]int {
	subs := make(map[event.Name]int, len(streamKinds))
	for name := range streamKinds {
		subs[name] = -100
	}
	return subs
}

func (s *EventStream) Handle(e *event.Event) error {
	kind, ok := streamKinds[e.Name()]
	if !ok {
		return nil
	}
	req := e.Request()
	s.Publisher.PublishImageEvent(kind, req.PublicKey(), req.ImageIdentifier())
	return nil
}
