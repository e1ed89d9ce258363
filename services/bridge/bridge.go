// Package bridge mirrors selected bus topics over a byte-stream link
// so an external collector can follow HAL telemetry. It listens for
// its configuration on config/bridge and supervises one link at a
// time, reconnecting with exponential backoff.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"devicehal-go/bus"
)

// Start runs the bridge service. It blocks until ctx is cancelled.
func Start(ctx context.Context, conn *bus.Connection) {
	s := &Service{
		conn:       conn,
		stateTopic: bus.T("bridge", "state"),
	}
	s.run(ctx)
}

// Config is expected retained on config/bridge.
type Config struct {
	Transport TransportConfig `json:"transport" yaml:"transport"`
	// Mirror lists topic patterns to forward; "+" matches one token.
	Mirror [][]string `json:"mirror" yaml:"mirror"`
}

type TransportConfig struct {
	// Type names a registered transport; "tcp" is built in.
	Type string     `json:"type" yaml:"type"`
	TCP  *TCPConfig `json:"tcp,omitempty" yaml:"tcp,omitempty"`
}

type TCPConfig struct {
	Address       string `json:"address" yaml:"address"`
	DialTimeoutMs int    `json:"dial_timeout_ms,omitempty" yaml:"dial_timeout_ms,omitempty"`
}

type Service struct {
	conn       *bus.Connection
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.T("config", "bridge"))
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, rwc, cfg.Mirror)
		_ = rwc.Close()
		if ctx.Err() != nil {
			return
		}
		delay := backoff()
		s.publishState("degraded", "link_lost_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
		if !sleep(ctx, delay) {
			return
		}
	}
}

// wireMessage is the on-link encoding of one bus message.
type wireMessage struct {
	Topic    []any `json:"topic"`
	Payload  any   `json:"payload"`
	Retained bool  `json:"retained,omitempty"`
}

// handleLink owns one active link: it forwards matching local traffic
// out and publishes inbound frames onto the local bus.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriteCloser, mirror [][]string) error {
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	var subs []*bus.Subscription
	outCh := make(chan *bus.Message, 16)
	done := make(chan struct{})
	defer close(done)
	for _, pattern := range mirror {
		sub := s.conn.Subscribe(stringTopic(pattern))
		subs = append(subs, sub)
		go func(sub *bus.Subscription) {
			for {
				select {
				case <-done:
					return
				case m, ok := <-sub.Channel():
					if !ok {
						return
					}
					select {
					case outCh <- m:
					case <-done:
						return
					}
				}
			}
		}(sub)
	}
	defer func() {
		for _, sub := range subs {
			s.conn.Unsubscribe(sub)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePub:
				var wm wireMessage
				if err := json.Unmarshal(f.Payload, &wm); err != nil {
					log.Printf("bridge: bad inbound frame: %v", err)
					continue
				}
				s.conn.Publish(&bus.Message{
					Topic:    normalizeTopic(wm.Topic),
					Payload:  wm.Payload,
					Retained: wm.Retained,
				})
			case framePong:
			default:
			}
		}
	}()

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return ctx.Err()
		case err := <-errCh:
			return err
		case m := <-outCh:
			raw, err := json.Marshal(wireMessage{Topic: rawTopic(m.Topic), Payload: m.Payload, Retained: m.Retained})
			if err != nil {
				log.Printf("bridge: drop unencodable message: %v", err)
				continue
			}
			if err := wr.WriteFrame(Frame{Type: framePub, Payload: raw}); err != nil {
				return err
			}
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		}
	}
}

func stringTopic(pattern []string) bus.Topic {
	t := make(bus.Topic, 0, len(pattern))
	for _, tok := range pattern {
		t = append(t, tok)
	}
	return t
}

func rawTopic(t bus.Topic) []any {
	out := make([]any, 0, len(t))
	for _, tok := range t {
		out = append(out, tok)
	}
	return out
}

// normalizeTopic undoes JSON's number widening so integer tokens keep
// matching subscriptions on this side.
func normalizeTopic(raw []any) bus.Topic {
	t := make(bus.Topic, 0, len(raw))
	for _, tok := range raw {
		if f, ok := tok.(float64); ok && f == float64(int(f)) {
			t = append(t, int(f))
			continue
		}
		t = append(t, tok)
	}
	return t
}

// ---- transports ----

// Transport dials the remote end of the link.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport adds a named transport for use in configs.
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "tcp":
		return newTCPTransport(cfg)
	default:
		return nil, fmt.Errorf("unknown transport type: %q", cfg.Type)
	}
}

type tcpTransport struct {
	cfg TCPConfig
}

func newTCPTransport(cfg TransportConfig) (Transport, error) {
	if cfg.TCP == nil || cfg.TCP.Address == "" {
		return nil, errors.New("tcp transport requires an address")
	}
	return &tcpTransport{cfg: *cfg.TCP}, nil
}

func (t *tcpTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := time.Duration(t.cfg.DialTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", t.cfg.Address)
}

func (t *tcpTransport) String() string { return "tcp" }

// ---- framing ----

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

// Frame is a length-prefixed link frame.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }
type framedWriter struct{ w io.Writer }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: hdr[0], Payload: buf}, nil
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	hdr := []byte{f.Type, byte(len(f.Payload) >> 8), byte(len(f.Payload) & 0xFF)}
	if _, err := fw.w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		_, err := fw.w.Write(f.Payload)
		return err
	}
	return nil
}

// ---- utilities ----

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, err
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, err
		}
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config payload type: %T", p)
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
