package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS は NATS サーバーへイベントを発行する Publisher です。
type NATS struct {
	nc            *nats.Conn
	subjectPrefix string
}

// ConnectNATS は NATS へ接続します。subjectPrefix はイベントの件名の
// 接頭辞で、実際の件名は "<prefix>.<status>" になります。
func ConnectNATS(url, subjectPrefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, subjectPrefix: strings.TrimSuffix(subjectPrefix, ".")}, nil
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subjectPrefix+"."+ev.Status, b)
}

func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}
