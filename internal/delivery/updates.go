package delivery

import (
	"sync"

	"github.com/househunter/messaging/internal/model"
)

// UpdateType is the kind of view update.
type UpdateType string

const (
	UpdateThread        UpdateType = "thread"
	UpdateConversations UpdateType = "conversations"
)

// Update is a full snapshot of one view.
type Update struct {
	Type          UpdateType                 `json:"type"`
	Thread        *model.ThreadResponse      `json:"thread,omitempty"`
	Conversations []model.MergedConversation `json:"conversations,omitempty"`
}

func (u Update) key() string {
	if u.Type == UpdateThread && u.Thread != nil {
		return "thread:" + u.Thread.ConversationID
	}
	return string(u.Type)
}

// Feed receives view updates. Pending snapshots of the same view
// coalesce, so a slow reader only ever sees the latest one.
type Feed struct {
	mu      sync.Mutex
	pending map[string]Update
	order   []string
	ready   chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFeed() *Feed {
	return &Feed{
		pending: make(map[string]Update),
		ready:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// Ready is signalled when updates are pending.
func (f *Feed) Ready() <-chan struct{} { return f.ready }

// Done is closed when the feed is cancelled.
func (f *Feed) Done() <-chan struct{} { return f.closed }

// Drain returns the pending updates in arrival order.
func (f *Feed) Drain() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Update, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.pending[k])
	}
	f.pending = make(map[string]Update)
	f.order = f.order[:0]
	return out
}

func (f *Feed) push(u Update) {
	f.mu.Lock()
	k := u.key()
	if _, ok := f.pending[k]; !ok {
		f.order = append(f.order, k)
	}
	f.pending[k] = u
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *Feed) close() {
	f.once.Do(func() { close(f.closed) })
}

type hub struct {
	mu    sync.Mutex
	feeds map[*Feed]struct{}
}

func (h *hub) subscribe() *Feed {
	f := newFeed()
	h.mu.Lock()
	if h.feeds == nil {
		h.feeds = make(map[*Feed]struct{})
	}
	h.feeds[f] = struct{}{}
	h.mu.Unlock()
	return f
}

func (h *hub) unsubscribe(f *Feed) {
	h.mu.Lock()
	delete(h.feeds, f)
	h.mu.Unlock()
	f.close()
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		f.push(u)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		f.close()
		delete(h.feeds, f)
	}
}
