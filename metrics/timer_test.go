package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type timing struct {
	name     string
	tags     Tags
	duration time.Duration
}

type recordingClient struct {
	mu      sync.Mutex
	timings []timing
}

func (c *recordingClient) Counter(name string, tags Tags, value int64) {}

func (c *recordingClient) Gauge(name string, tags Tags, value int64) {}

func (c *recordingClient) Timing(name string, tags Tags, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timings = append(c.timings, timing{name, tags, duration})
}

func (c *recordingClient) WithTags(tags Tags) Client {
	return c
}

func Test_Timer(t *testing.T) {
	c := &recordingClient{}
	mc := clock.NewMock()

	timer := NewTimer(c, mc, "triage.node.duration", Tags{"node": "notify"})
	mc.Add(250 * time.Millisecond)
	timer.Stop()

	timer = NewTimer(c, mc, "triage.node.duration", Tags{"node": "notify"})
	mc.Add(time.Second)
	timer.StopWithTags(Tags{"status": "error"})

	require.Equal(t, []timing{
		{name: "triage.node.duration", tags: Tags{"node": "notify"}, duration: 250 * time.Millisecond},
		{name: "triage.node.duration", tags: Tags{"node": "notify", "status": "error"}, duration: time.Second},
	}, c.timings)
}

func Test_Tags_With(t *testing.T) {
	base := Tags{"graph": "triage", "status": "ok"}

	r := base.With(Tags{"status": "error"})

	require.Equal(t, Tags{"graph": "triage", "status": "error"}, r)
	require.Equal(t, "ok", base["status"])
	require.Equal(t, Tags{}, Tags(nil).With(nil))
}
