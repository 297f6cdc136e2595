package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
)

type timer struct {
	client Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   Tags
}

// Timer starts measuring a duration on the wall clock.
func Timer(client Client, name string, tags Tags) *timer {
	return NewTimer(client, clock.New(), name, tags)
}

func NewTimer(client Client, c clock.Clock, name string, tags Tags) *timer {
	return &timer{
		client: client,
		clock:  c,
		start:  c.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop the timer and report the elapsed time
func (t *timer) Stop() {
	t.StopWithTags(nil)
}

// StopWithTags reports the elapsed time with tags added to the tags the timer was started with.
func (t *timer) StopWithTags(tags Tags) {
	t.client.Timing(t.name, t.tags.With(tags), t.clock.Since(t.start))
}
