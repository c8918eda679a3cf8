// Package event provides a small topic-based publisher used to fan server
// events out to application subscribers.
package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/pipelink/log"
)

// Publisher includes multiple topics.
type Publisher struct {
	lock   sync.RWMutex
	topics map[string]*Topic
}

// NewPublisher creates a Publisher with no topics.
func NewPublisher() *Publisher {
	return &Publisher{topics: make(map[string]*Topic)}
}

// NewTopic must create a topic before subscriptions can be registered.
func (p *Publisher) NewTopic(topicName string, timeout time.Duration) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if _, ok := p.topics[topicName]; ok {
		return fmt.Errorf("topic %s already create", topicName)
	}
	p.topics[topicName] = &Topic{
		timeout:     timeout,
		subscribers: []Subscriber{},
	}
	return nil
}

// RegisterSubscriber registers a subscriber on a topic.
func (p *Publisher) RegisterSubscriber(topicName string, fn Subscriber) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return fmt.Errorf("topic %s not create", topicName)
	}

	topic.subscribers = append(topic.subscribers, fn)
	log.Debug().Str("topic", topicName).
		Int("num", len(topic.subscribers)).Msg("add subscriber")
	return nil
}

// Publish delivers i to every subscriber of the topic and waits for all of
// them to finish, so consecutive publishes stay ordered relative to each
// other.
func (p *Publisher) Publish(topicName string, i any) error {
	p.lock.RLock()
	defer p.lock.RUnlock()

	topic, ok := p.topics[topicName]
	if !ok {
		return fmt.Errorf("topic:%s not create", topicName)
	}

	var wg sync.WaitGroup
	for _, sub := range topic.subscribers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub(i)
		}()
	}
	wg.Wait()

	return nil
}
