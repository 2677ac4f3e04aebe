package bnb

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
)

// HeadSubscriber listens for new BSC block heads over websocket so the
// worker can re-check pending deposits on every block instead of only on
// its timer.
type HeadSubscriber struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewHeadSubscriber(endpoint string) *HeadSubscriber {
	return &HeadSubscriber{Endpoint: endpoint}
}

func (s *HeadSubscriber) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, s.Endpoint, nil)
	if err != nil {
		return err
	}
	s.Conn = conn
	return nil
}

func (s *HeadSubscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Close()
	}
}

func (s *HeadSubscriber) Subscribe(ctx context.Context) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	return s.Conn.WriteJSON(payload)
}

// ReadHead blocks until the next head notification and returns its block
// number. ok is false for non-head frames (the subscription ack).
func (s *HeadSubscriber) ReadHead(ctx context.Context) (int64, bool, error) {
	_, msg, err := s.Conn.ReadMessage()
	if err != nil {
		return 0, false, err
	}

	var env struct {
		Params *struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return 0, false, err
	}
	if env.Error != nil {
		return 0, false, errors.New(env.Error.Message)
	}
	if env.Params == nil || env.Params.Result.Number == "" {
		return 0, false, nil
	}

	height, err := parseHexInt64(env.Params.Result.Number)
	if err != nil {
		return 0, false, err
	}
	return height, true, nil
}
