package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Sleep は指定時間待機するタスクです。キャンセルと停止処理の確認に使います。
func Sleep(ctx context.Context, req *Request) (*Result, error) {
	var payload struct {
		Duration string `json:"duration"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	d, err := time.ParseDuration(payload.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: duration: %w", err)
	}
	if d < 0 {
		return nil, fmt.Errorf("invalid payload: duration must not be negative")
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return jsonResult(map[string]string{"slept": d.String()})
}
