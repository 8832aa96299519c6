package tasks

import (
	"context"
	"encoding/json"
	"fmt"
)

// Square は {"n": 5} を受け取り 25 を返す動作確認用タスクです。
func Square(ctx context.Context, req *Request) (*Result, error) {
	var payload struct {
		N *float64 `json:"n"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if payload.N == nil {
		return nil, fmt.Errorf("invalid payload: field n is required")
	}
	n := *payload.N
	return jsonResult(n * n)
}
