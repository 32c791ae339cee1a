package ddpgo

// Observer receives the four connection-lifecycle notifications a
// host application needs (spec.md §6): the contract is the set of
// events, not the transport. Every method is optional to implement in
// spirit; embed noopObserver (or NoopObserver) to satisfy the
// interface and override only what you need.
type Observer interface {
	// OnConnected fires once the `connected` frame arrives.
	OnConnected()
	// OnSubscriptionReady fires for each tracked subscription listed in
	// a `ready` frame, with its publication name; a subscription
	// replayed after a reconnect reports ready again.
	OnSubscriptionReady(name string)
	// OnDisconnected fires on every transport loss, after outstanding
	// methods have already been failed and subscription sends stopped.
	OnDisconnected(err error)
	// OnSessionUpdate fires after every auth state transition (login,
	// resume, logout, failure).
	OnSessionUpdate()
}

type noopObserver struct{}

func (noopObserver) OnConnected()             {}
func (noopObserver) OnSubscriptionReady(string) {}
func (noopObserver) OnDisconnected(error)     {}
func (noopObserver) OnSessionUpdate()         {}

// NoopObserver is a ready-to-embed Observer that does nothing,
// convenient for hosts that only want to override one or two methods.
type NoopObserver = noopObserver
