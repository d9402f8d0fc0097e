package ami

import "sync"

// Listener receives every event read from a session.
//
// OnEvent runs synchronously on the session's read goroutine and must return
// quickly. It must not issue requests on the same session. Implementations
// must be comparable (normally a pointer type).
type Listener interface {
	OnEvent(evt *Message)
}

// Dispatcher fans events out to registered listeners.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []Listener
}

// Register adds a listener. Registering the same listener twice has no effect.
func (d *Dispatcher) Register(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	d.listeners = append(d.listeners, l)
}

// Unregister removes a listener if present.
func (d *Dispatcher) Unregister(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// Dispatch delivers evt to every listener in registration order.
func (d *Dispatcher) Dispatch(evt *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.listeners {
		l.OnEvent(evt)
	}
}
