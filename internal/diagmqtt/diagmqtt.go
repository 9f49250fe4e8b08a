// Package diagmqtt publishes firmware diagnostics to an MQTT broker.
package diagmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/soypat/blsdio"
	"github.com/soypat/blsdio/lmac"
	mqtt "github.com/soypat/natiu-mqtt"
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

var errNotConnected = errors.New("diagmqtt: not connected")

// Config configures a Publisher. Zero fields take defaults.
type Config struct {
	ClientID string        // defaults to "blhost"
	Topic    string        // prefix of every published topic
	Timeout  time.Duration // connect and publish deadline, 5s by default
	Logger   *slog.Logger
}

// Publisher publishes diagnostics under Config.Topic. Safe for concurrent use.
type Publisher struct {
	mu      sync.Mutex
	conn    net.Conn
	client  *mqtt.Client
	pubVar  mqtt.VariablesPublish
	topic   string
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the broker at addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Publisher, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// New performs the MQTT connection handshake over conn.
func New(conn net.Conn, cfg Config) (*Publisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "blhost"
	}
	if cfg.Topic == "" {
		cfg.Topic = "blsdio"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	p := &Publisher{
		conn:    conn,
		topic:   strings.TrimSuffix(cfg.Topic, "/"),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	p.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
		OnPub: func(pubHead mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
			p.debug("received message", slog.String("topic", string(varPub.TopicName)))
			return nil
		},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(cfg.ClientID))

	conn.SetDeadline(time.Now().Add(cfg.Timeout))
	err := p.client.StartConnect(conn, &varconn)
	if err != nil {
		return nil, err
	}
	for !p.client.IsConnected() {
		err = p.client.HandleNext()
		if err != nil {
			return nil, errors.Join(errors.New("diagmqtt: connect failed"), err)
		}
	}
	conn.SetDeadline(time.Time{})
	p.debug("connected", slog.String("remote", conn.RemoteAddr().String()))
	return p, nil
}

// Publish publishes payload to the topic prefix joined with subtopic.
func (p *Publisher) Publish(subtopic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.client.IsConnected() {
		return errors.Join(errNotConnected, p.client.Err())
	}
	p.pubVar.TopicName = append(append(append(p.pubVar.TopicName[:0], p.topic...), '/'), subtopic...)
	p.pubVar.PacketIdentifier++
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	err := p.client.PublishPayload(pubFlags, p.pubVar, payload)
	if err != nil {
		p.debug("publish failed", slog.String("topic", string(p.pubVar.TopicName)), slog.String("err", err.Error()))
	}
	return err
}

// Diag publishes a diagnostic frame. It matches blsdio.Config.OnDiag.
func (p *Publisher) Diag(typ lmac.FrameType, payload []byte) {
	p.Publish(DiagTopic(typ), payload)
}

// DiagTopic returns the subtopic a diagnostic frame type is published under.
func DiagTopic(typ lmac.FrameType) string {
	switch typ {
	case lmac.TypeDBG:
		return "console"
	case lmac.TypeDbgDumpEnd:
		return "dump/trace"
	case lmac.TypeDumpInfo:
		return "dump/info"
	default:
		return "diag/" + strings.ToLower(typ.String())
	}
}

// Stats publishes st as JSON under the stats subtopic.
func (p *Publisher) Stats(st blsdio.Stats) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return p.Publish("stats", b)
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

func (p *Publisher) debug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
