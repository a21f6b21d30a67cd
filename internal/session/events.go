package session

// EventKind tells what happened to a session.
type EventKind int

const (
	EventCreated EventKind = iota
	EventActivated
	EventClosing
	EventDiagnosticsChanged
	EventChannelKeepAlive
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "Created"
	case EventActivated:
		return "Activated"
	case EventClosing:
		return "Closing"
	case EventDiagnosticsChanged:
		return "DiagnosticsChanged"
	case EventChannelKeepAlive:
		return "ChannelKeepAlive"
	}
	return "Unknown"
}

// Event is handed to the observers of a Manager.
type Event struct {
	Kind    EventKind
	Session *Session
	// DeleteSubscriptions is set on EventClosing when the client asked for
	// its subscriptions to go with the session.
	DeleteSubscriptions bool
}

// Observer receives session lifecycle events. Observers run on the
// goroutine that raised the event and must not block.
type Observer func(Event)

// notify delivers evt to every observer. A panicking observer is logged
// and skipped.
func (m *Manager) notify(evt Event) {
	m.observersMu.RLock()
	observers := m.observers
	m.observersMu.RUnlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Debugf("Session %s observer raised: %v", evt.Kind, r)
				}
			}()
			fn(evt)
		}()
	}
}

// Subscribe registers an observer.
func (m *Manager) Subscribe(fn Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

// RaiseDiagnosticsChanged tells observers that the diagnostics of s changed.
func (m *Manager) RaiseDiagnosticsChanged(s *Session) {
	m.notify(Event{Kind: EventDiagnosticsChanged, Session: s})
}
