package deribit

import (
	"legguard/internal/exchange/deribit/ws"
	"legguard/internal/logger"
	"legguard/internal/models"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Client talks JSON-RPC over HTTP for requests and keeps one websocket for subscriptions.
type Client struct {
	baseURL      string
	wsURL        string
	clientID     string
	clientSecret string
	currency     string

	httpClient *http.Client
	log        *logger.Logger
	nextID     atomic.Int64

	tokenMu sync.Mutex
	token   accessToken

	instMu      sync.RWMutex
	instruments map[string]models.Instrument

	wsMu   sync.Mutex
	stream *ws.Client

	reconnectMin time.Duration
	reconnectMax time.Duration
	now          func() time.Time
}

type Options struct {
	BaseURL      string
	WSURL        string
	ClientID     string
	ClientSecret string
	Currency     string
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Log          *logger.Logger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		baseURL:      opts.BaseURL,
		wsURL:        opts.WSURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		currency:     opts.Currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:          log,
		instruments:  map[string]models.Instrument{},
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		now:          time.Now,
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("deribit_rest")
}

func (c *Client) cached(name string) (models.Instrument, bool) {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	inst, ok := c.instruments[name]
	return inst, ok
}

func (c *Client) remember(insts ...models.Instrument) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	for _, inst := range insts {
		c.instruments[inst.Name] = inst
	}
}
