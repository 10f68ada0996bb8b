package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"opendiscovery/internal/engine"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/session"
	"opendiscovery/pkg/logging"
)

// AMQPConfig configures the AMQP adapter.
type AMQPConfig struct {
	URL string
	// QueuePrefix names the request queue: <prefix>.requests.
	QueuePrefix string
	// Exchange is the topic exchange for notification fan-out.
	Exchange string
	// ResponseTimeout bounds how long a single request may take before the
	// client receives a timeout error.
	ResponseTimeout time.Duration
	// MaxReconnects bounds the reconnection attempts after a broker loss.
	// Zero means unlimited.
	MaxReconnects int
}

// Default AMQP settings.
const (
	DefaultQueuePrefix     = "mcp.discovery"
	DefaultExchange        = "mcp.notifications"
	DefaultResponseTimeout = 30 * time.Second
	reconnectBaseDelay     = time.Second
	reconnectMaxDelay      = 30 * time.Second
)

// AMQP serves request/reply over a shared requests queue and fans
// notifications out through a topic exchange. Sessions are bound to the
// client-owned reply queue identity: the first message from a reply queue
// creates the session, subsequent messages with the same reply_to resolve
// to it.
type AMQP struct {
	engine *engine.Engine
	reg    *registry.Registry
	cfg    AMQPConfig

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	pubMu    sync.Mutex
	started  bool
	closed   bool
	stopCh   chan struct{}
	sessions map[string]string // reply_to -> session id
}

// NewAMQP creates the AMQP adapter. The registry subscription publishes
// listChanged events to the notification exchange exactly once per change,
// regardless of session count; clients bind their own queues to the
// routing keys they care about.
func NewAMQP(e *engine.Engine, reg *registry.Registry, cfg AMQPConfig) *AMQP {
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = DefaultQueuePrefix
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	return &AMQP{
		engine:   e,
		reg:      reg,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		sessions: make(map[string]string),
	}
}

// Name implements Transport.
func (t *AMQP) Name() string { return "amqp" }

// Start implements Transport. The first connection attempt runs
// synchronously so a bad URL fails fast; reconnection afterwards is
// transparent with exponential backoff.
func (t *AMQP) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		return err
	}

	t.reg.OnChange(func(kind registry.ChangeKind) {
		method := protocol.NotificationToolsChanged
		switch kind {
		case registry.ResourcesChanged:
			method = protocol.NotificationResourcesChanged
		case registry.PromptsChanged:
			method = protocol.NotificationPromptsChanged
		}
		msg, err := protocol.NewNotification(method, nil)
		if err != nil {
			return
		}
		t.PublishNotification(notificationKey(method), msg)
	})

	go t.superviseConnection(ctx)
	return nil
}

// Close implements Transport.
func (t *AMQP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.stopCh)
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// connect dials the broker and declares the request queue and notification
// exchange.
func (t *AMQP) connect(ctx context.Context) error {
	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	requestQueue := t.cfg.QueuePrefix + ".requests"
	if _, err := channel.QueueDeclare(requestQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", requestQueue, err)
	}
	if err := channel.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", t.cfg.Exchange, err)
	}

	deliveries, err := channel.Consume(requestQueue, "", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume %s: %w", requestQueue, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.channel = channel
	t.mu.Unlock()

	go t.consumeLoop(ctx, deliveries)
	logging.Info("AMQP", "Connected to broker, consuming %s", requestQueue)
	return nil
}

// superviseConnection reconnects with exponential backoff when the broker
// connection drops.
func (t *AMQP) superviseConnection(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return // clean shutdown
			}
			logging.Warn("AMQP", "Connection lost: %v", amqpErr)
		}

		delay := reconnectBaseDelay
		attempt := 0
		for {
			attempt++
			if t.cfg.MaxReconnects > 0 && attempt > t.cfg.MaxReconnects {
				logging.Error("AMQP", fmt.Errorf("gave up after %d attempts", attempt-1), "Reconnect failed")
				return
			}
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := t.connect(ctx); err != nil {
				logging.Warn("AMQP", "Reconnect attempt %d failed: %v", attempt, err)
				delay *= 2
				if delay > reconnectMaxDelay {
					delay = reconnectMaxDelay
				}
				continue
			}
			logging.Info("AMQP", "Reconnected after %d attempts", attempt)
			break
		}
	}
}

func (t *AMQP) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		if ctx.Err() != nil {
			return
		}
		go t.handleDelivery(ctx, delivery)
	}
}

// handleDelivery dispatches one request and publishes the reply to the
// client's reply queue with the original correlation id. A dispatch that
// outlives the response timeout fails with a server-defined timeout error;
// the late reply is dropped.
func (t *AMQP) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if delivery.ReplyTo == "" {
		logging.Debug("AMQP", "Dropping request without reply_to")
		return
	}

	msg, perr := protocol.Parse(delivery.Body)
	if perr != nil {
		t.publishReply(delivery, &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Error: perr})
		return
	}

	sess, err := t.sessionFor(delivery.ReplyTo)
	if err != nil {
		t.publishReply(delivery, protocol.NewErrorResponse(msg.ID, protocol.CodeServerError,
			"session unavailable: "+err.Error()))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.ResponseTimeout)
	defer cancel()

	type dispatchResult struct{ reply *protocol.Message }
	done := make(chan dispatchResult, 1)
	go func() {
		done <- dispatchResult{t.engine.Dispatch(reqCtx, sess, msg)}
	}()

	select {
	case res := <-done:
		if res.reply != nil {
			t.publishReply(delivery, res.reply)
		}
	case <-reqCtx.Done():
		if msg.IsRequest() {
			t.publishReply(delivery, protocol.NewErrorResponse(msg.ID, protocol.CodeServerError, "Request timeout"))
		}
	}
}

// sessionFor resolves (or creates) the session bound to a reply queue.
func (t *AMQP) sessionFor(replyTo string) (*session.Session, error) {
	t.mu.Lock()
	sessionID, ok := t.sessions[replyTo]
	t.mu.Unlock()

	if ok {
		if sess, err := t.engine.Sessions().Get(sessionID); err == nil {
			return sess, nil
		}
		// Session expired; fall through and create a fresh one.
	}

	sess, err := t.engine.Sessions().Create("amqp")
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.sessions[replyTo] = sess.ID
	t.mu.Unlock()
	return sess, nil
}

func (t *AMQP) publishReply(delivery amqp.Delivery, reply *protocol.Message) {
	raw, err := json.Marshal(reply)
	if err != nil {
		logging.Error("AMQP", err, "Reply encode failed")
		return
	}

	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()
	if channel == nil {
		return
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = channel.PublishWithContext(pubCtx, "", delivery.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: delivery.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Body:          raw,
	})
	if err != nil {
		logging.Warn("AMQP", "Reply publish to %s failed: %v", delivery.ReplyTo, err)
	}
}

// PublishNotification publishes a notification to the fan-out exchange
// under the given routing key (notifications.<kind> or
// discovery.<category>).
func (t *AMQP) PublishNotification(routingKey string, msg *protocol.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()
	if channel == nil {
		return
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = channel.PublishWithContext(pubCtx, t.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         raw,
	})
	if err != nil {
		logging.Warn("AMQP", "Notification publish failed: %v", err)
	}
}

// notificationKey maps a notification method to its routing key:
// notifications/tools/list_changed -> notifications.tools.list_changed.
func notificationKey(method string) string {
	return strings.ReplaceAll(method, "/", ".")
}
