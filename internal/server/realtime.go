package server

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/waroeng/backend/internal/catalog"
)

const (
	RealtimeTopicCatalog   = "catalog"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "waroeng-backend"
	realtimeBufferSize     = 16
)

// RealtimeMessage is a catalog change delivered to stream subscribers.
type RealtimeMessage struct {
	Topic      string    `json:"-"`
	EventType  string    `json:"type"`
	BusinessID uint      `json:"business_id"`
	ProductID  uint      `json:"product_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// RealtimeDispatcher fans messages out to subscribers of a topic. Slow subscribers lose
// messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// BusinessTopic names the topic carrying changes of a single business.
func BusinessTopic(businessID uint) string {
	return "business:" + strconv.FormatUint(uint64(businessID), 10)
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topic string) (<-chan RealtimeMessage, func()) {
	if topic == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishCatalogEvent forwards a catalog change to the catalog-wide topic and to the topic of
// the business it concerns.
func (d *RealtimeDispatcher) PublishCatalogEvent(event catalog.Event) {
	message := RealtimeMessage{
		EventType:  event.Kind,
		BusinessID: event.BusinessID,
		ProductID:  event.ProductID,
		Timestamp:  event.OccurredAt,
		Source:     realtimeSourceBackend,
	}
	message.Topic = RealtimeTopicCatalog
	d.Publish(message)
	if event.BusinessID != 0 {
		message.Topic = BusinessTopic(event.BusinessID)
		d.Publish(message)
	}
}

// SubscriberCount reports the number of live subscriptions on topic.
func (d *RealtimeDispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(topic string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
