// broadcast/nats_bus.go
package broadcast

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wfunc/gridduel/logger"
)

// NATSBus 多节点广播：事件发布到 <prefix>.room.<房间>，每个节点订阅 <prefix>.room.>
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	sub    *nats.Subscription
}

func NewNATSBus(url, prefix string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("gridduel"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warnw("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "gridduel"
	}
	return &NATSBus{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ev Event) string {
	token := "all"
	if len(ev.Rooms) > 0 && ev.Rooms[0] != AllRoom {
		token = subjectToken(ev.Rooms[0])
	}
	return prefix + ".room." + token
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	return tokenReplacer.Replace(s)
}

func (b *NATSBus) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.conn.Publish(Subject(b.prefix, ev), data)
}

func (b *NATSBus) Subscribe(handler func(Event)) error {
	sub, err := b.conn.Subscribe(b.prefix+".room.>", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Log.Warnw("bad bus event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *NATSBus) Close() error {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	return b.conn.Drain()
}
