package ws

import (
	"encoding/json"
	"legguard/internal/exchange"
	"legguard/internal/logger"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	url          string
	clientID     string
	secret       string
	log          *logger.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	events       chan exchange.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	channels     []string
	nextID       atomic.Int64
	heartbeat    time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	now          func() time.Time
}

// Message covers both replies and subscription notifications.
type Message struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Notification struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Type    string          `json:"type"`
}

type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}
