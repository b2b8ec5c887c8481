package engine

import (
	"sync"

	"github.com/seantiz/walker/internal/model"
)

// subscriberBufferSize is the channel buffer for each job subscriber.
// State changes are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 8

// Notifier fans out job state changes to in-process subscribers. It is safe
// for concurrent use.
//
// A topic lives only while it has subscribers. A subscriber arriving after Close gets a channel that never fires, so callers
// must still read the store for the current state.
type Notifier struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.State
	nextID int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{topics: make(map[string]*topic)}
}

// Subscribe returns a channel receiving state changes of the given job and an
// unsubscribe function. The channel is closed once the job's executor
// finishes.
func (n *Notifier) Subscribe(jobID string) (<-chan model.State, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.State)}
		n.topics[jobID] = t
	}

	ch := make(chan model.State, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && n.topics[jobID] == t {
			delete(n.topics, jobID)
		}
	}
}

// Publish sends a state change to every subscriber of the job. Subscribers
// whose buffers are full miss the update; they still observe the final close.
func (n *Notifier) Publish(jobID string, s model.State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Close signals that the job's executor is done. All subscriber channels are
// closed and the topic is dropped.
func (n *Notifier) Close(jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.topics[jobID]
	if !ok {
		return
	}
	delete(n.topics, jobID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Len returns the number of jobs with live topics.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.topics)
}
