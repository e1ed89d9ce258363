// Package hal runs the device service: it opens HAL modules through
// the hw resolver as directed by the retained "config/hal" message,
// indexes their capabilities, dispatches control verbs from the bus,
// and publishes device telemetry and capability status.
package hal

import (
	"context"
	"log"

	"devicehal-go/bus"
	"devicehal-go/errcode"
	"devicehal-go/hw"
	"devicehal-go/types"
	"devicehal-go/x/timex"
)

const eventQueueLen = 16

type capKey struct {
	domain string
	kind   string
	name   string
}

type openDevice struct {
	dev    hw.Device
	handle *hw.Handle
}

type Service struct {
	conn     *bus.Connection
	resolver *hw.Resolver

	dev      map[string]openDevice // config entry ID -> device
	capIndex map[capKey]string     // capability -> config entry ID

	// All device telemetry funnels through one channel so publication
	// is single-threaded.
	evCh chan hw.Event
}

func New(conn *bus.Connection, resolver *hw.Resolver) *Service {
	return &Service{
		conn:     conn,
		resolver: resolver,
		dev:      map[string]openDevice{},
		capIndex: map[capKey]string{},
		evCh:     make(chan hw.Event, eventQueueLen),
	}
}

// Emit enqueues device telemetry; it never blocks.
func (s *Service) Emit(ev hw.Event) bool {
	select {
	case s.evCh <- ev:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfigHAL())
	ctrlSub := s.conn.Subscribe(ctrlWildcard())
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	ready := false
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.pubState("stopped", "context_cancelled")
			return
		case msg := <-cfgSub.Channel():
			var cfg types.HALConfig
			if err := hw.Decode(msg.Payload, &cfg); err != nil {
				log.Printf("hal: bad config payload: %v", err)
				continue
			}
			s.applyConfig(ctx, cfg)
			if !ready {
				ready = true
				s.pubState("ready", "")
			}
		case msg := <-ctrlSub.Channel():
			if !ready {
				s.replyErr(msg, errcode.HALNotReady)
				continue
			}
			s.handleControl(msg)
		case ev := <-s.evCh:
			s.handleEvent(ev)
		}
	}
}

// applyConfig opens devices named by the config that are not open yet.
// Existing entries are left untouched, so re-publishing the config is
// idempotent.
func (s *Service) applyConfig(ctx context.Context, cfg types.HALConfig) {
	for i := range cfg.Devices {
		dc := cfg.Devices[i]
		if dc.ID == "" || dc.Class == "" {
			log.Printf("hal: config entry needs id and class, got %+v", dc)
			continue
		}
		if _, exists := s.dev[dc.ID]; exists {
			continue
		}

		handle, err := s.resolver.GetByClass(dc.Class, dc.Instance)
		if err != nil {
			log.Printf("hal: resolve %s (%s): %v", dc.ID, dc.Class, err)
			continue
		}
		dev, err := handle.Open(dc.Name, hw.Resources{
			Props:  s.resolver.Props(),
			Pub:    s,
			Params: dc.Params,
			Ctx:    ctx,
		})
		if err != nil {
			handle.Release()
			log.Printf("hal: open %s: %v", dc.ID, err)
			continue
		}
		s.dev[dc.ID] = openDevice{dev: dev, handle: handle}

		for _, cs := range dev.Capabilities() {
			kind := string(cs.Kind)
			domain := cs.Domain
			if domain == "" {
				domain = defaultDomainFor(cs.Kind)
			}
			name := cs.Name
			if name == "" {
				name = dev.ID()
			}
			s.capIndex[capKey{domain: domain, kind: kind, name: name}] = dc.ID

			s.conn.Publish(s.conn.NewMessage(capInfo(domain, kind, name), cs.Info, true))
			s.conn.Publish(s.conn.NewMessage(
				capStatus(domain, kind, name),
				types.CapabilityStatus{Link: types.LinkDown, TS: timex.NowMs()},
				true,
			))
		}
	}
}

// handleControl routes hal/cap/<domain>/<kind>/<name>/control/<verb>.
func (s *Service) handleControl(msg *bus.Message) {
	if msg.Topic.Len() < 7 {
		s.replyErr(msg, errcode.InvalidTopic)
		return
	}
	domain, _ := msg.Topic.At(2).(string)
	kind, _ := msg.Topic.At(3).(string)
	name, _ := msg.Topic.At(4).(string)
	verb, _ := msg.Topic.At(6).(string)

	id, ok := s.capIndex[capKey{domain: domain, kind: kind, name: name}]
	if !ok {
		s.replyErr(msg, errcode.UnknownCapability)
		return
	}
	od, ok := s.dev[id]
	if !ok {
		s.replyErr(msg, errcode.Error)
		return
	}

	res, err := od.dev.Control(hw.CapAddr{Domain: domain, Kind: kind, Name: name}, verb, msg.Payload)
	if err != nil {
		s.replyErr(msg, errcode.Of(err))
		return
	}
	if !msg.CanReply() {
		return
	}
	if res == nil {
		res = types.OKReply{OK: true}
	}
	s.conn.Reply(msg, res, false)
}

func (s *Service) handleEvent(ev hw.Event) {
	d, k, n := ev.Addr.Domain, ev.Addr.Kind, ev.Addr.Name
	if d == "" {
		d = defaultDomainFor(types.Kind(k))
	}

	// Errors flip the capability to degraded; no payload goes out.
	if ev.Err != "" {
		s.conn.Publish(s.conn.NewMessage(
			capStatus(d, k, n),
			types.CapabilityStatus{Link: types.LinkDegraded, TS: ev.TS, Error: ev.Err},
			true,
		))
		return
	}

	if ev.IsEvent {
		if ev.EventTag != "" {
			s.conn.Publish(s.conn.NewMessage(capEventTagged(d, k, n, ev.EventTag), ev.Payload, false))
		} else {
			s.conn.Publish(s.conn.NewMessage(capEvent(d, k, n), ev.Payload, false))
		}
	} else {
		s.conn.Publish(s.conn.NewMessage(capValue(d, k, n), ev.Payload, true))
	}
	s.conn.Publish(s.conn.NewMessage(
		capStatus(d, k, n),
		types.CapabilityStatus{Link: types.LinkUp, TS: ev.TS},
		true,
	))
}

func (s *Service) teardown() {
	for id, od := range s.dev {
		if err := od.dev.Close(); err != nil {
			log.Printf("hal: close %s: %v", id, err)
		}
		od.handle.Release()
	}
	s.dev = map[string]openDevice{}
	s.capIndex = map[capKey]string{}
}

func (s *Service) pubState(level, status string) {
	s.conn.Publish(s.conn.NewMessage(
		topicHALState(),
		types.HALState{Level: level, Status: status, TS: timex.NowMs()},
		true,
	))
}

func (s *Service) replyErr(m *bus.Message, code errcode.Code) {
	if !m.CanReply() {
		return
	}
	if code == "" {
		code = errcode.Error
	}
	s.conn.Reply(m, types.ErrorReply{OK: false, Error: string(code)}, false)
}

func defaultDomainFor(kind types.Kind) string {
	switch kind {
	case types.KindLED, types.KindVibrator, types.KindTorch:
		return "io"
	case types.KindWakeLock:
		return "power"
	case types.KindSensor:
		return "env"
	case types.KindGatekeeper:
		return "secure"
	case types.KindCamera:
		return "media"
	default:
		return "io"
	}
}
