package event

import "time"

// Subscriber handles one published item.
type Subscriber func(i any)

// Topic groups the subscribers of one event stream.
type Topic struct {
	timeout     time.Duration // Set at creation; Publish does not read it and waits without a bound.
	subscribers []Subscriber
}
