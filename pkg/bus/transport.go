package bus

import (
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stackwave/helmsman/pkg/log"
)

// MsgHandler receives one inbound message.
type MsgHandler func(subject string, data []byte)

// Transport is the minimal pub/sub surface the client needs. The production
// implementation wraps a NATS connection; tests use an in-memory fake.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler MsgHandler) (func() error, error)
	Connected() bool
	Close()
}

// natsTransport implements Transport over nats.go with indefinite
// auto-reconnect. Connection loss only flips the online flag; in-flight
// requests resolve through their normal timeouts.
type natsTransport struct {
	nc     *nats.Conn
	online atomic.Bool
}

// ConnectNATS dials the broker and returns a Transport.
func ConnectNATS(url, clientName string) (Transport, error) {
	t := &natsTransport{}

	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.online.Store(false)
			wlog := log.WithComponent("bus")
			wlog.Warn().Err(err).Msg("broker disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.online.Store(true)
			wlog := log.WithComponent("bus")
			wlog.Info().Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	t.nc = nc
	t.online.Store(true)
	return t, nil
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	return t.nc.Publish(subject, data)
}

func (t *natsTransport) Subscribe(subject string, handler MsgHandler) (func() error, error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (t *natsTransport) Connected() bool {
	return t.online.Load()
}

func (t *natsTransport) Close() {
	if t.nc != nil {
		t.nc.Drain()
		t.nc.Close()
	}
}
