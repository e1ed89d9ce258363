// Package heartbeat publishes a periodic retained liveness message on
// system/heartbeat. The interval follows the retained config/heartbeat
// section.
package heartbeat

import (
	"context"
	"log"
	"time"

	"devicehal-go/bus"
	"devicehal-go/hw"
	"devicehal-go/x/timex"
)

var (
	topicConfig = bus.T("config", "heartbeat")
	topicBeat   = bus.T("system", "heartbeat")
)

const DefaultInterval = 5 * time.Second

type Config struct {
	IntervalMs int `json:"interval_ms" yaml:"interval_ms"`
}

type Beat struct {
	Seq int64 `json:"seq"`
	TS  int64 `json:"ts_ms"`
}

type Service struct{}

// Start launches the heartbeat loop.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	go s.loop(ctx, conn)
}

func (s *Service) loop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(DefaultInterval)
	defer tick.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			seq++
			conn.Publish(conn.NewMessage(topicBeat, Beat{Seq: seq, TS: timex.NowMs()}, true))
		case msg := <-cfgSub.Channel():
			var cfg Config
			if err := hw.Decode(msg.Payload, &cfg); err != nil {
				log.Printf("heartbeat: bad config: %v", err)
				continue
			}
			if cfg.IntervalMs > 0 {
				tick.Reset(time.Duration(cfg.IntervalMs) * time.Millisecond)
			}
		}
	}
}
