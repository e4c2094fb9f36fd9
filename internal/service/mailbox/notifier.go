package mailbox

import "sync"

// Notifier wakes in-process waiters when a key changes. Wake-ups are lossy
// and coalesced: a waiter learns that something happened, not what, and
// re-reads the store. Waiters in other processes fall back to polling.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewNotifier returns an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers interest in key. The returned cancel func must be
// called to release the subscription.
func (n *Notifier) Subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	set, ok := n.subs[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.subs[key] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[key]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.subs, key)
				}
			}
		})
	}
}

// Notify wakes every subscriber of key without blocking.
func (n *Notifier) Notify(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	woken := 0
	for ch := range n.subs[key] {
		select {
		case ch <- struct{}{}:
			woken++
		default:
		}
	}
	return woken
}
