package ddpgo

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ddpgo/internal/transport"
	"ddpgo/pkg/codec"
	"ddpgo/pkg/ejson"
)

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	logger zerolog.Logger

	newTransport func() transport.Transport
	version      string

	methodRateLimit float64

	cacheDir         string
	offlineInterval  time.Duration
	offlineEnabled   bool

	httpClient *http.Client

	registry *codec.Registry
	ejsonCodecs []ejson.TypeCodec

	observer   Observer
	registerer prometheus.Registerer
}

func defaultOptions() *options {
	return &options{
		logger:          zerolog.Nop(),
		version:         "1",
		methodRateLimit: 0,
		offlineInterval: 5 * time.Second,
		registry:        codec.NewRegistry(),
		observer:        noopObserver{},
		// A private registry by default: two Clients (or two test
		// cases in the same process) must not collide registering the
		// same metric names against prometheus.DefaultRegisterer. A
		// host that wants its client's metrics on the global default
		// registry opts in via WithMetricsRegisterer.
		registerer: prometheus.NewRegistry(),
	}
}

// WithLogger sets the zerolog.Logger every internal component logs
// through. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransportFactory overrides the default gorilla/websocket
// transport, e.g. to inject a fake transport in tests or a transport
// with custom TLS settings.
func WithTransportFactory(factory func() transport.Transport) Option {
	return func(o *options) { o.newTransport = factory }
}

// WithVersion sets the preferred DDP protocol version advertised at
// connect ("1" or "pre2"). Defaults to "1".
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithMethodRateLimit caps outbound method calls per second. A call
// exceeding the limit is still sent; only a warning is logged. Zero
// (the default) disables the limiter.
func WithMethodRateLimit(perSecond float64) Option {
	return func(o *options) { o.methodRateLimit = perSecond }
}

// WithOfflineCache enables the Offline Overlay, persisting collections
// under dir with the given debounce interval. Disabled by default.
func WithOfflineCache(dir string, debounce time.Duration) Option {
	return func(o *options) {
		o.cacheDir = dir
		o.offlineInterval = debounce
		o.offlineEnabled = true
	}
}

// WithHTTPClient overrides the http.Client used for the OAuth
// popup-config-scraping flow. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCodec registers a typed Codec for collection, so the store holds
// decoded objects instead of raw documents for it.
func WithCodec(collection string, c codec.Codec) Option {
	return func(o *options) { o.registry.Register(collection, c) }
}

// WithEJSONCodec adds a TypeCodec consulted when encoding outgoing
// method/sub parameters. It is used for encoding only; incoming
// documents are not passed through it.
func WithEJSONCodec(c ejson.TypeCodec) Option {
	return func(o *options) { o.ejsonCodecs = append(o.ejsonCodecs, c) }
}

// WithObserver registers the host's connection-lifecycle sink. Only
// one Observer is supported; a later call replaces an earlier one.
func WithObserver(ob Observer) Option {
	return func(o *options) {
		if ob != nil {
			o.observer = ob
		}
	}
}

// WithMetricsRegisterer overrides the Prometheus registerer the
// client's instrumentation registers against. Defaults to a private
// prometheus.NewRegistry(), not prometheus.DefaultRegisterer, so
// constructing more than one Client in a process never panics on a
// duplicate collector registration. Pass prometheus.DefaultRegisterer
// to have this client's metrics appear on the process-global registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

func (o *options) limiter() *rate.Limiter {
	if o.methodRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(o.methodRateLimit), int(o.methodRateLimit)+1)
}
