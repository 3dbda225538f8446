package portal

import (
	"sync"

	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// inboxLimit bounds undelivered notifications per browser session.
const inboxLimit = 20

// Inbox collects notifications for one browser session until a page drains them.
type Inbox struct {
	mu       sync.Mutex
	pending  []session.Notification
	observed func(kind string)
}

// NewInbox returns an empty Inbox. observed, when set, is called for every notification.
func NewInbox(observed func(kind string)) *Inbox {
	return &Inbox{observed: observed}
}

// Notify implements session.Notifier. The oldest entry is dropped when full.
func (i *Inbox) Notify(n session.Notification) {
	i.mu.Lock()
	if len(i.pending) == inboxLimit {
		i.pending = append(i.pending[:0], i.pending[1:]...)
	}
	i.pending = append(i.pending, n)
	i.mu.Unlock()
	if i.observed != nil {
		i.observed(string(n.Kind))
	}
}

// Drain returns and clears the pending notifications.
func (i *Inbox) Drain() []session.Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.pending
	i.pending = nil
	return out
}

// Len reports the number of pending notifications.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// DrainInto moves pending notifications into the session's flash messages so
// they survive a redirect.
func (i *Inbox) DrainInto(sess *shared.Session) {
	if sess == nil {
		return
	}
	for _, n := range i.Drain() {
		sess.AddFlash(shared.FlashMessage{Kind: string(n.Kind), Message: n.Message})
	}
}

var _ session.Notifier = (*Inbox)(nil)
