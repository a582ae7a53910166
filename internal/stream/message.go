// Package stream 账户推送消息及其 WebSocket/RabbitMQ 传输
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TypeAccountUpdate is the only message type carried on the account stream.
const TypeAccountUpdate = "account_update"

// Number decodes from a JSON number or a numeric string; null and "" are 0.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Position 单个持仓
type Position struct {
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Size             Number `json:"size"`
	EntryPrice       Number `json:"entryPrice"`
	MarkPrice        Number `json:"markPrice"`
	LiquidationPrice Number `json:"liquidationPrice"`
	Leverage         Number `json:"leverage"`
	UnrealizedPnl    Number `json:"unrealizedPnl"`
}

// Summary is a partial set of numeric account fields keyed by name.
// Non-numeric values are dropped on decode.
type Summary map[string]float64

func (s *Summary) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	out := make(Summary, len(raw))
	for k, v := range raw {
		if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var n Number
		if err := n.UnmarshalJSON(v); err != nil {
			continue
		}
		out[k] = float64(n)
	}
	*s = out
	return nil
}

// AccountUpdate is one streamed, partial account delta.
//
// Positions distinguishes absent (nil, encoded as null) from an explicit
// empty array, which signals that every position was closed.
type AccountUpdate struct {
	Type        string     `json:"type"`
	UserID      string     `json:"userId"`
	Exchange    string     `json:"exchange"`
	Pair        string     `json:"pair"`
	DisplayName string     `json:"displayName"`
	UID         string     `json:"uid"`
	Seq         int64      `json:"seq"`
	Ts          int64      `json:"ts"`
	Positions   []Position `json:"positions"`
	Summary     Summary    `json:"summary,omitempty"`
	ChangedKeys []string   `json:"changedKeys,omitempty"`
}

// HasChanged reports whether key is listed in ChangedKeys.
func (u *AccountUpdate) HasChanged(key string) bool {
	for _, k := range u.ChangedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Decode parses an account_update message. Other message types are
// rejected.
func Decode(body []byte) (*AccountUpdate, error) {
	var u AccountUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode account update: %w", err)
	}
	if u.Type != TypeAccountUpdate {
		return nil, fmt.Errorf("unexpected message type %q", u.Type)
	}
	if u.UserID == "" {
		return nil, fmt.Errorf("account update without userId")
	}
	return &u, nil
}
