// Package push fans serialized engine events out to live websocket subscribers.
package push

import "encoding/json"

// Message kinds consumed by the downstream UI.
const (
	TypeRoundStart       = "round_start"
	TypeRoundLock        = "round_lock"
	TypeNewBetData       = "new_bet_data"
	TypeConnectionStatus = "connection_status"
)

// Message is the envelope for every push payload.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// RoundStart announces a new round.
type RoundStart struct {
	Epoch int64 `json:"epoch"`
}

// RoundLock announces a round lock with its resolved lock time (unix seconds).
type RoundLock struct {
	Epoch    int64 `json:"epoch"`
	LockTime int64 `json:"lockTime"`
}

// SuspicionVerdict is the inline heuristic result carried with each bet.
type SuspicionVerdict struct {
	IsSuspicious bool     `json:"isSuspicious"`
	Flags        []string `json:"flags,omitempty"`
}

// NewBetData carries a live bet plus its heuristic verdict.
type NewBetData struct {
	Epoch      int64            `json:"epoch"`
	Wallet     string           `json:"wallet"`
	Direction  string           `json:"direction"`
	Amount     float64          `json:"amount"`
	Suspicious SuspicionVerdict `json:"suspicious"`
}

// ConnectionStatus is the sole downstream signal for live-path health.
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// Encode serializes a message envelope.
func Encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data})
}
