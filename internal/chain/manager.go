package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const dialTimeout = 15 * time.Second

// Pinger is the datastore health capability the manager re-verifies.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Manager owns the two blockchain RPC handles: a request/response HTTP client
// and a persistent streaming websocket client. It is constructed once at
// process start and passed to every component that needs it.
type Manager struct {
	httpURL string
	wsURL   string
	address common.Address

	reconnectBase        time.Duration
	reconnectMaxAttempts int
	healthInterval       time.Duration

	db       Pinger
	onStatus func(connected bool)

	httpClient *ethclient.Client

	wsMu     sync.RWMutex
	wsClient *ethclient.Client
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	HTTPURL              string
	WSURL                string
	ContractAddress      string
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	HealthInterval       time.Duration
	DB                   Pinger
	OnStatusChange       func(connected bool)
}

// NewManager creates an uninitialized manager; call Init before use.
func NewManager(opts ManagerOptions) *Manager {
	onStatus := opts.OnStatusChange
	if onStatus == nil {
		onStatus = func(bool) {}
	}
	return &Manager{
		httpURL:              opts.HTTPURL,
		wsURL:                opts.WSURL,
		address:              common.HexToAddress(opts.ContractAddress),
		reconnectBase:        opts.ReconnectBase,
		reconnectMaxAttempts: opts.ReconnectMaxAttempts,
		healthInterval:       opts.HealthInterval,
		db:                   opts.DB,
		onStatus:             onStatus,
	}
}

// Init opens and verifies both RPC handles. The datastore pool is expected to
// be open and pinged before this is called.
func (m *Manager) Init(ctx context.Context) error {
	if m.db != nil {
		if err := m.db.PingContext(ctx); err != nil {
			return fmt.Errorf("datastore ping: %w", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	httpClient, err := ethclient.DialContext(dialCtx, m.httpURL)
	if err != nil {
		return fmt.Errorf("dial http rpc: %w", err)
	}
	if _, err := httpClient.BlockNumber(dialCtx); err != nil {
		httpClient.Close()
		return fmt.Errorf("verify http rpc: %w", err)
	}
	m.httpClient = httpClient

	wsClient, err := m.dialWS(ctx)
	if err != nil {
		httpClient.Close()
		return err
	}
	m.wsMu.Lock()
	m.wsClient = wsClient
	m.wsMu.Unlock()

	slog.Info("rpc_connected", "http", m.httpURL, "ws", m.wsURL, "contract", m.address.Hex())
	m.onStatus(true)
	return nil
}

// HTTP returns the request/response client.
func (m *Manager) HTTP() *ethclient.Client {
	return m.httpClient
}

// WS returns the current streaming client. It may change across reconnects.
func (m *Manager) WS() *ethclient.Client {
	m.wsMu.RLock()
	defer m.wsMu.RUnlock()
	return m.wsClient
}

// ContractAddress returns the watched contract address.
func (m *Manager) ContractAddress() common.Address {
	return m.address
}

// ReconnectWS re-dials the streaming handle with linearly increasing backoff.
// After the attempt cap is exhausted the live path stays offline until the
// process is restarted.
func (m *Manager) ReconnectWS(ctx context.Context) error {
	m.onStatus(false)

	for attempt := 1; attempt <= m.reconnectMaxAttempts; attempt++ {
		wait := m.reconnectBase * time.Duration(attempt)
		slog.Warn("ws_reconnecting", "attempt", attempt, "max", m.reconnectMaxAttempts, "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		client, err := m.dialWS(ctx)
		if err != nil {
			slog.Warn("ws_reconnect_failed", "attempt", attempt, "error", err)
			continue
		}

		m.wsMu.Lock()
		if m.wsClient != nil {
			m.wsClient.Close()
		}
		m.wsClient = client
		m.wsMu.Unlock()

		slog.Info("ws_reconnected", "attempt", attempt)
		m.onStatus(true)
		return nil
	}

	return fmt.Errorf("ws reconnect abandoned after %d attempts", m.reconnectMaxAttempts)
}

// HealthLoop periodically re-verifies the datastore pool and both RPC handles
// until the context is cancelled.
func (m *Manager) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx)
		}
	}
}

func (m *Manager) checkHealth(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if m.db != nil {
		if err := m.db.PingContext(checkCtx); err != nil {
			slog.Error("health_db_failed", "error", err)
		}
	}

	if _, err := m.httpClient.BlockNumber(checkCtx); err != nil {
		slog.Error("health_http_failed", "error", err)
	}

	if _, err := m.WS().ChainID(checkCtx); err != nil {
		slog.Warn("health_ws_failed", "error", err)
		if rerr := m.ReconnectWS(ctx); rerr != nil {
			slog.Error("ws_offline", "error", rerr)
		}
	}
}

// Close tears down both RPC handles.
func (m *Manager) Close() {
	if m.httpClient != nil {
		m.httpClient.Close()
	}
	m.wsMu.Lock()
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
	m.wsMu.Unlock()
	slog.Info("rpc_disconnected")
}

// dialWS opens the streaming handle and waits, bounded, for it to answer.
func (m *Manager) dialWS(ctx context.Context) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, m.wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial ws rpc: %w", err)
	}
	if _, err := client.ChainID(dialCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("verify ws rpc: %w", err)
	}
	return client, nil
}
