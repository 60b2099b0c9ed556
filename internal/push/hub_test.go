package push

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	payload, err := Encode(TypeRoundLock, RoundLock{Epoch: 42, LockTime: 1_700_000_000})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"round_lock","data":{"epoch":42,"lockTime":1700000000}}`, string(payload))
}

func TestEncodeNewBetData(t *testing.T) {
	payload, err := Encode(TypeNewBetData, NewBetData{
		Epoch:     100,
		Wallet:    "0xAAA",
		Direction: "UP",
		Amount:    1.5,
		Suspicious: SuspicionVerdict{
			IsSuspicious: true,
			Flags:        []string{"oversized bet: 1.5000"},
		},
	})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, TypeNewBetData, msg.Type)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(TypeRoundStart, RoundStart{Epoch: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	require.Equal(t, TypeRoundStart, msg.Type)
}

func TestHubPrunesClosedClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}
