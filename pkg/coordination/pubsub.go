package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// Handler consumes one delivered coordination message.
type Handler func(ctx context.Context, msg *Message)

// PubSubConfig holds coordinator tuning.
type PubSubConfig struct {
	ServerID        string
	ConfirmTTL      time.Duration // lifetime of delivery confirmation markers
	ConfirmTimeout  time.Duration // how long a publisher waits for confirmation
	ConfirmPoll     time.Duration // poll interval while waiting
	InitialInterval time.Duration // first retry backoff
	MaxInterval     time.Duration // retry backoff ceiling
}

// DefaultPubSubConfig returns sensible defaults
func DefaultPubSubConfig(serverID string) PubSubConfig {
	return PubSubConfig{
		ServerID:        serverID,
		ConfirmTTL:      5 * time.Minute,
		ConfirmTimeout:  10 * time.Second,
		ConfirmPoll:     100 * time.Millisecond,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// PubSubCoordinator routes coordination messages between server instances
// over Redis pub/sub. Messages from this server are filtered out on receipt
// so local work is never done twice. High and critical publishes wait for a
// delivery confirmation marker and retry with exponential backoff until the
// message expires or retries are exhausted.
type PubSubCoordinator struct {
	client  *redis.Client
	config  PubSubConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	breaker *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	subs     map[string]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPubSubCoordinator creates a coordinator on an existing Redis client.
func NewPubSubCoordinator(client *redis.Client, config PubSubConfig, logger observability.Logger, metrics observability.MetricsClient) *PubSubCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.WithPrefix("coordination.pubsub")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coordination-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("publish circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return &PubSubCoordinator{
		client:   client,
		config:   config,
		logger:   log,
		metrics:  metrics,
		breaker:  breaker,
		handlers: make(map[MessageType][]Handler),
		subs:     make(map[string]*redis.PubSub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler adds a handler for one message type. Handlers run on the
// subscription goroutine and must not block.
func (c *PubSubCoordinator) RegisterHandler(msgType MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], h)
}

// ServerID reports the identity messages from this coordinator carry.
func (c *PubSubCoordinator) ServerID() string {
	return c.config.ServerID
}

// Start subscribes to the global channel. Session and user channels are
// joined on demand.
func (c *PubSubCoordinator) Start() error {
	return c.subscribe(GlobalChannel)
}

// JoinSession subscribes this server to a session's channel.
func (c *PubSubCoordinator) JoinSession(sessionID string) error {
	return c.subscribe(SessionChannel(sessionID))
}

// LeaveSession drops the subscription for a session's channel.
func (c *PubSubCoordinator) LeaveSession(sessionID string) {
	c.unsubscribe(SessionChannel(sessionID))
}

// JoinUser subscribes this server to a user's direct channel.
func (c *PubSubCoordinator) JoinUser(userID string) error {
	return c.subscribe(UserChannel(userID))
}

// LeaveUser drops the subscription for a user's direct channel.
func (c *PubSubCoordinator) LeaveUser(userID string) {
	c.unsubscribe(UserChannel(userID))
}

func (c *PubSubCoordinator) subscribe(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[channel]; ok {
		return nil
	}

	sub := c.client.Subscribe(c.ctx, channel)
	if _, err := sub.Receive(c.ctx); err != nil {
		_ = sub.Close()
		return apperrors.NewTransport("subscribing to "+channel, err)
	}
	c.subs[channel] = sub

	c.wg.Add(1)
	go c.consume(sub, channel)
	return nil
}

func (c *PubSubCoordinator) unsubscribe(channel string) {
	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (c *PubSubCoordinator) consume(sub *redis.PubSub, channel string) {
	defer c.wg.Done()
	ch := sub.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(raw.Payload, channel)
		}
	}
}

func (c *PubSubCoordinator) dispatch(payload, channel string) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		c.logger.Warn("dropping malformed coordination message", map[string]interface{}{
			"channel": channel,
			"error":   err.Error(),
		})
		c.metrics.IncrementCounter("coordination_messages_malformed", 1)
		return
	}

	if msg.ServerID == c.config.ServerID {
		// Our own broadcast coming back around
		return
	}
	if msg.Expired() {
		c.metrics.IncrementCounter("coordination_messages_expired", 1)
		return
	}

	if msg.NeedsConfirmation() {
		c.confirm(&msg)
	}

	c.mu.RLock()
	handlers := c.handlers[msg.Type]
	c.mu.RUnlock()

	c.metrics.IncrementCounterWithLabels("coordination_messages_received", 1, map[string]string{
		"type": string(msg.Type),
	})
	for _, h := range handlers {
		h(c.ctx, &msg)
	}
}

// confirm writes a delivery marker the publisher is polling for.
func (c *PubSubCoordinator) confirm(msg *Message) {
	key := confirmKey(msg.ID.String())
	if err := c.client.Set(c.ctx, key, c.config.ServerID, c.config.ConfirmTTL).Err(); err != nil {
		c.logger.Warn("failed writing delivery confirmation", map[string]interface{}{
			"message_id": msg.ID.String(),
			"error":      err.Error(),
		})
	}
}

// Publish sends one message to its channel. Normal and low priority
// publishes are fire and forget. High and critical publishes wait for a
// delivery confirmation and retry with exponential backoff; exhausting
// retries returns a transport error.
func (c *PubSubCoordinator) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Expired() {
		return apperrors.NewValidation(apperrors.CodeInvalidMessage, "message already expired")
	}

	if !msg.NeedsConfirmation() {
		return c.publishOnce(ctx, msg)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialInterval
	b.MaxInterval = c.config.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(msg.MaxRetries)), ctx)

	err := backoff.Retry(func() error {
		if msg.Expired() {
			return backoff.Permanent(apperrors.NewValidation(apperrors.CodeInvalidMessage, "message expired during retries"))
		}
		if err := c.publishOnce(ctx, msg); err != nil {
			msg.RetryCount++
			return err
		}
		if err := c.awaitConfirmation(ctx, msg); err != nil {
			msg.RetryCount++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		c.metrics.IncrementCounterWithLabels("coordination_delivery_failures", 1, map[string]string{
			"type":     string(msg.Type),
			"priority": string(msg.Priority),
		})
		c.logger.Error("giving up on message delivery", map[string]interface{}{
			"message_id": msg.ID.String(),
			"type":       msg.Type,
			"retries":    msg.RetryCount,
			"error":      err.Error(),
		})
		return apperrors.NewTransport("message delivery failed after retries", err)
	}
	return nil
}

func (c *PubSubCoordinator) publishOnce(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.NewValidation(apperrors.CodeInvalidMessage, "marshaling message: "+err.Error())
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Publish(ctx, msg.Channel(), data).Err()
	})
	if err != nil {
		return apperrors.NewTransport("publishing to "+msg.Channel(), err)
	}
	c.metrics.IncrementCounterWithLabels("coordination_messages_published", 1, map[string]string{
		"type":     string(msg.Type),
		"priority": string(msg.Priority),
	})
	return nil
}

// awaitConfirmation polls for the delivery marker written by a receiving
// server.
func (c *PubSubCoordinator) awaitConfirmation(ctx context.Context, msg *Message) error {
	key := confirmKey(msg.ID.String())
	deadline := time.NewTimer(c.config.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.config.ConfirmPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return apperrors.NewTransport("no delivery confirmation for message "+msg.ID.String(), nil)
		case <-poll.C:
			receiver, err := c.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return apperrors.NewTransport("checking delivery confirmation", err)
			}
			c.logger.Debug("delivery confirmed", map[string]interface{}{
				"message_id": msg.ID.String(),
				"receiver":   receiver,
			})
			return nil
		}
	}
}

// Close cancels all subscriptions and waits for consumers to drain.
func (c *PubSubCoordinator) Close() error {
	c.cancel()
	c.mu.Lock()
	for channel, sub := range c.subs {
		_ = sub.Close()
		delete(c.subs, channel)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func confirmKey(messageID string) string {
	return "collab:confirm:" + messageID
}
