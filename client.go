// Package ddpgo is a DDP (Distributed Data Protocol) client: the
// wire protocol Meteor applications speak over WebSocket. Client
// wires the Transport Adapter, Frame Codec, Session FSM, Collection
// Store, Subscription/Method managers, Change Dispatcher, Auth Layer,
// and Offline Overlay into one facade, the way
// go-server/internal/server/server.go's NewServer wires its hub, NATS
// client, metrics, and auth together.
//
// Concurrency: every exported method and every transport event is
// serialized behind one coarse lock (spec.md §9's sanctioned
// alternative to a bespoke single-threaded event loop). None of the
// wired packages lock themselves; Client is the only place that does.
package ddpgo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ddpgo/internal/auth"
	"ddpgo/internal/dispatch"
	"ddpgo/internal/frame"
	"ddpgo/internal/method"
	"ddpgo/internal/metrics"
	"ddpgo/internal/session"
	"ddpgo/internal/store"
	"ddpgo/internal/subscription"
	"ddpgo/internal/transport"
	"ddpgo/pkg/offline"
)

// Document is an unordered mapping from field name to EJSON value,
// carrying a mandatory "_id" string key.
type Document = store.Document

// Client is a connected (or connecting, or reconnecting) DDP session.
// Not safe for concurrent use from outside its own methods, but safe
// to call from many goroutines: every call takes the coarse lock.
type Client struct {
	mu sync.Mutex

	url    string
	logger zerolog.Logger
	opts   *options

	session  *session.Session
	store    *store.Store
	dispatch *dispatch.Dispatcher
	subs     *subscription.Manager
	methods  *method.Manager
	auth     *auth.Manager
	metrics  *metrics.Metrics

	offlineOverlay *offline.Overlay
	offlineWriter  *offline.DebouncedWriter

	observer Observer
}

// New constructs a Client targeting url (ws[s]://host/websocket).
// Connect must be called before it does anything on the wire.
func New(url string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.newTransport == nil {
		o.newTransport = func() transport.Transport { return transport.NewWSTransport(o.logger) }
	}

	c := &Client{
		url:      url,
		logger:   o.logger,
		opts:     o,
		observer: o.observer,
		metrics:  metrics.NewWithRegisterer(o.registerer),
	}

	c.dispatch = dispatch.New(o.logger)
	c.store = store.New(o.logger, o.registry, c.dispatch.Dispatch)
	c.methods = method.New(c, o.limiter(), o.logger, o.ejsonCodecs)
	c.subs = subscription.New(c, o.logger, o.ejsonCodecs)
	c.auth = auth.New(c.methods, o.httpClient, o.logger, c.onSessionUpdate)

	if o.offlineEnabled {
		c.offlineOverlay = offline.New(c.store, o.registry, o.logger, o.cacheDir)
		c.offlineWriter = offline.NewDebouncedWriter(o.offlineInterval, c.persistOffline)
	}

	c.session = session.New(session.Config{
		Logger:                      o.logger,
		NewTransport:                o.newTransport,
		URL:                         func() string { return c.url },
		Version:                     o.version,
		OnConnected:                 c.onConnected,
		OnDisconnected:              c.onDisconnected,
		OnFrame:                     c.onFrame,
		SessionToken:                c.auth.Token,
		ResumeLogin:                 c.resumeLogin,
		StoreReset:                  c.store.Reset,
		SubscriptionsOnConnected:    c.subs.OnConnected,
		SubscriptionsOnDisconnected: c.subs.OnDisconnected,
		MethodsOnConnected:          c.methods.OnConnected,
		MethodsOnDisconnected:       c.methods.OnDisconnected,
		ScheduleReconnect:           c.scheduleReconnect,
	})

	return c
}

// Send implements subscription.Sender and method.Sender: both
// managers deliver already-encoded frames through the session, which
// rejects the send if no transport is open.
func (c *Client) Send(data []byte) error {
	c.metrics.IncFramesSent()
	return c.session.Send(data)
}

// Connect dials the server and begins the connect/version-negotiation
// handshake. The returned error only reports a failed dial; protocol
// progress (connected, subscriptions, etc.) is reported via the
// configured Observer.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	tr, err := c.session.Connect(ctx)
	gen := c.session.Gen()
	c.mu.Unlock()

	if err != nil {
		return wrapError(TransportFailed, "connect", err)
	}
	go c.pump(gen, tr)
	return nil
}

// Disconnect closes the transport intentionally; no reconnect is
// scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Disconnect()
	if c.offlineWriter != nil {
		c.offlineWriter.Stop()
	}
}

// State reports the current Session FSM state.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State()
}

// pump forwards one transport's events into the session, stamped with
// the generation they belong to so a superseded transport's trailing
// events are ignored after a reconnect. Runs until the transport
// delivers its Closed event.
func (c *Client) pump(gen int, tr transport.Transport) {
	for ev := range tr.Events() {
		if ev.Kind == transport.TextMessage {
			c.metrics.IncFramesReceived()
		}
		c.mu.Lock()
		c.session.HandleEvent(gen, ev)
		c.mu.Unlock()
		if ev.Kind == transport.Closed {
			return
		}
	}
}

// scheduleReconnect is wired into session.Config.ScheduleReconnect: it
// reuses time.AfterFunc the way the teacher's NATS client schedules
// its own reconnect attempts, and spawns a fresh pump if the retry
// opened a new transport.
func (c *Client) scheduleReconnect(d time.Duration, fn func()) {
	c.metrics.IncReconnects()
	time.AfterFunc(d, func() {
		c.mu.Lock()
		before := c.session.Gen()
		fn()
		tr := c.session.Transport()
		gen := c.session.Gen()
		c.mu.Unlock()

		if tr != nil && gen != before {
			go c.pump(gen, tr)
		}
	})
}

func (c *Client) onConnected() {
	c.observer.OnConnected()
}

func (c *Client) onDisconnected(err error) {
	if c.offlineWriter != nil {
		for _, name := range c.store.Collections() {
			c.offlineWriter.MarkDirty(name)
		}
	}
	c.observer.OnDisconnected(err)
}

func (c *Client) onSessionUpdate() {
	c.observer.OnSessionUpdate()
}

func (c *Client) resumeLogin(token string) {
	c.auth.LoginWithResume(token, func(error) {})
}

// onFrame routes every decoded frame the Session FSM does not itself
// interpret (spec.md §5 data flow: frame decode -> session FSM
// classifies -> store apply | method complete | subscription ready).
func (c *Client) onFrame(decoded interface{}) {
	switch f := decoded.(type) {
	case frame.Added:
		c.store.Added(f.Collection, f.ID, f.Fields)
	case frame.AddedBefore:
		c.store.AddedBefore(f.Collection, f.ID, f.Fields, f.Before)
	case frame.Changed:
		c.store.Changed(f.Collection, f.ID, f.Fields, f.Cleared)
	case frame.MovedBefore:
		c.store.MovedBefore(f.Collection, f.ID, f.Before)
	case frame.Removed:
		c.store.Removed(f.Collection, f.ID)
	case frame.Ready:
		c.subs.HandleReady(f.Subs)
		for _, id := range f.Subs {
			if name, ok := c.subs.NameOf(id); ok {
				c.observer.OnSubscriptionReady(name)
			}
		}
	case frame.Nosub:
		c.subs.HandleNosub(f.ID, f.Error)
	case frame.Result:
		c.methods.HandleResult(f)
	case frame.Updated:
		c.methods.HandleUpdated(f.Methods)
	case frame.ErrorFrame:
		c.logger.Warn().Str("errorType", f.ErrorType).Str("message", f.Message).Msg("ddpgo: server sent a top-level error frame")
	}
}

// Subscribe registers a DDP publication. onReady is invoked each time
// a `ready` frame lists this subscription, including again after a
// reconnect replays it.
func (c *Client) Subscribe(name string, params []interface{}, onReady func()) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.Subscribe(name, params, onReady)
}

// SubscribeMany registers a group of publications whose combined
// onReady fires exactly once, after every member is ready.
func (c *Client) SubscribeMany(specs []subscription.Spec, onReady func()) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs.SubscribeMany(specs, onReady)
}

// Unsubscribe drops a subscription or an entire subscription group.
func (c *Client) Unsubscribe(idOrGroupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs.Unsubscribe(idOrGroupID)
}

// CallResult is delivered to a method callback exactly once: either
// Result is set and Err is nil, or Err carries one of NotConnected,
// DisconnectedBeforeCallbackComplete, or ServerMethodError (spec.md
// §7).
type CallResult struct {
	Result json.RawMessage
	Err    *Error
}

func wrapOutcome(cb func(CallResult)) method.Callback {
	if cb == nil {
		return nil
	}
	return func(o method.Outcome) { cb(outcomeToResult(o)) }
}

func outcomeToResult(o method.Outcome) CallResult {
	switch o.Kind {
	case method.Success:
		return CallResult{Result: o.Result}
	case method.ServerError:
		return CallResult{Err: &Error{Kind: ServerMethodError, Message: o.Message, Domain: o.Domain, Code: o.Code}}
	case method.NotConnected:
		return CallResult{Err: newError(NotConnected, o.Message)}
	default: // method.Disconnected
		return CallResult{Err: newError(DisconnectedBeforeCallbackComplete, o.Message)}
	}
}

// Call invokes a remote method. cb receives the terminal CallResult
// exactly once.
func (c *Client) Call(name string, params []interface{}, cb func(CallResult)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methods.Call(name, params, wrapOutcome(cb))
}

// WatchID registers a watcher invoked for every change to targetID
// within collection.
func (c *Client) WatchID(collection, targetID string, cb dispatch.Callback) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatch.WatchID(collection, targetID, cb)
}

// WatchPredicate registers a watcher invoked for every change in
// collection whose resulting value satisfies predicate (nil matches
// everything). Removals always reach every predicate watcher.
func (c *Client) WatchPredicate(collection string, predicate dispatch.Predicate, cb dispatch.Callback) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatch.WatchPredicate(collection, predicate, cb)
}

// Unwatch removes a previously registered watcher.
func (c *Client) Unwatch(watcherID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch.Remove(watcherID)
}

// Collection returns the ordered set of documents currently held for
// name, for read-only inspection (e.g. rendering a list view).
func (c *Client) Collection(name string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	coll := c.store.Collection(name)
	out := make([]interface{}, 0, coll.Len())
	coll.Each(func(_ string, v store.Value) bool {
		out = append(out, v.AnyValue())
		return true
	})
	return out
}

// Insert performs an optimistic local insert (spec.md §4.5): doc is
// added to the collection immediately, a random "_id" is generated if
// absent, and the server is asked to perform the same insert via
// "/<collection>/insert". No rollback is attempted if the server call
// fails; the caller's cb, if non-nil, reports the outcome.
func (c *Client) Insert(collection string, doc Document, cb func(CallResult)) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := doc["_id"]; !ok {
		doc["_id"] = newOptimisticID()
	}
	c.store.InsertOptimistic(collection, doc)

	return c.methods.Call(fmt.Sprintf("/%s/insert", collection), []interface{}{doc}, wrapOutcome(cb))
}

// Update sends a Mongo-shaped `{$set, $unset}` modifier built from
// changes (a nil value marks a field for removal). No local mutation
// is performed: the server's response arrives as an ordinary `changed`
// frame (spec.md §4.5).
func (c *Client) Update(collection, id string, changes map[string]interface{}, cb func(CallResult)) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	selector := map[string]interface{}{"_id": id}
	modifier := NewModifier(changes)
	return c.methods.Call(fmt.Sprintf("/%s/update", collection), []interface{}{selector, modifier}, wrapOutcome(cb))
}

// Remove performs an optimistic local remove, then calls
// "/<collection>/remove" on the server.
func (c *Client) Remove(collection, id string, cb func(CallResult)) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store.RemoveOptimistic(collection, id)
	selector := map[string]interface{}{"_id": id}
	return c.methods.Call(fmt.Sprintf("/%s/remove", collection), []interface{}{selector}, wrapOutcome(cb))
}

// wrapAuthErr adapts an auth.Manager callback (func(error)) into this
// package's typed *Error: every logon/signup failure surfaces as
// LogonRejected (spec.md §7: "refused due to in-flight auth, server
// error, or OAuth credential-token failure" are all one kind).
func wrapAuthErr(cb func(*Error)) func(error) {
	if cb == nil {
		return nil
	}
	return func(err error) {
		if err == nil {
			cb(nil)
			return
		}
		cb(wrapError(LogonRejected, err.Error(), err))
	}
}

// LoginWithPassword logs on with a username/email plus cleartext
// password; the password never leaves this process undigested.
func (c *Client) LoginWithPassword(identifier string, byEmail bool, password string, cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.LoginWithPassword(identifier, byEmail, password, wrapAuthErr(cb))
}

// LoginWithResume logs on using a previously issued resume token.
func (c *Client) LoginWithResume(token string, cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.LoginWithResume(token, wrapAuthErr(cb))
}

// SignUp creates a new account via the `createUser` method.
func (c *Client) SignUp(username, email, password string, profile map[string]interface{}, cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.SignUp(username, email, password, profile, wrapAuthErr(cb))
}

// LoginWithOAuth drives the HTML-scraping OAuth popup flow against
// this Client's own URL.
func (c *Client) LoginWithOAuth(ctx context.Context, service, providerToken string, cb func(*Error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.LoginWithOAuth(ctx, c.url, service, providerToken, wrapAuthErr(cb))
}

// Logout is fire-and-forget: local auth state transitions to
// LoggedOut immediately, regardless of the server's response.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.Logout()
}

// UserID reports the logged-in user's id, or "" if none.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.UserID()
}

// RestoreOffline loads collection's cache file (if present) before the
// first Connect, flagging every restored document _wasOffline_ so the
// Session FSM's post-reconnect store reset keeps it until fresh server
// data arrives.
func (c *Client) RestoreOffline(collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offlineOverlay == nil {
		return fmt.Errorf("ddpgo: offline cache not enabled, see WithOfflineCache")
	}
	return c.offlineOverlay.Restore(collection)
}

func (c *Client) persistOffline(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offlineOverlay == nil {
		return
	}
	if err := c.offlineOverlay.Persist(collection); err != nil {
		c.logger.Warn().Err(err).Str("collection", collection).Msg("ddpgo: offline persist failed")
	}
}

// Stats is a point-in-time snapshot of client-side counters, useful
// for a host application to log or expose periodically.
type Stats struct {
	OutstandingMethods  int
	ActiveSubscriptions int
	Uptime              time.Duration
}

// Stats reports a snapshot of the client's current counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	outstanding := c.methods.OutstandingCount()
	active := len(c.subs.Names())
	c.metrics.SetOutstandingMethods(outstanding)
	c.metrics.SetActiveSubscriptions(active)

	return Stats{
		OutstandingMethods:  outstanding,
		ActiveSubscriptions: active,
		Uptime:              c.metrics.Uptime(),
	}
}

// Metrics exposes the underlying Prometheus instrumentation, for a
// host that wants to serve it on its own /metrics endpoint.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}
