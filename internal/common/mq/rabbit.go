package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"codehakam/pkg/utils/logger"
)

const (
	headerRetryCount = "x-retry-count"
	headerMaxRetries = "x-max-retries"

	defaultMaxRetries = 3
)

// RabbitConfig defines configuration for the RabbitMQ implementation.
type RabbitConfig struct {
	URL string

	// ConnectionName shows up in the broker management UI.
	ConnectionName string

	// Work queue settings. JobMaxPriority of 0 declares a plain queue.
	JobQueue       string
	JobMaxPriority uint8
	JobTTL         time.Duration

	// Dead-letter settings. Messages rejected without requeue are routed
	// through DeadLetterExchange into DeadLetterQueue.
	DeadLetterExchange string
	DeadLetterQueue    string

	// EventExchange is a topic exchange for domain events.
	EventExchange string

	// Connection settings
	DialTimeout       time.Duration
	Heartbeat         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PublishTimeout    time.Duration
}

// RabbitQueue is the broker client: topology declaration, confirmed
// publishes, push subscriptions and pull-side job streams, with a
// reconnect loop that restores all of them.
type RabbitQueue struct {
	config RabbitConfig

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel

	subscriptions []*rabbitSubscription
	started       bool
	closed        bool

	streamSeq atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

type rabbitSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	mu     sync.Mutex
	ch     *amqp.Channel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRabbitQueue connects to RabbitMQ and declares the configured topology.
func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "execution-service"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.DeadLetterExchange != "" && cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = cfg.DeadLetterExchange
	}

	r := &RabbitQueue{
		config: cfg,
		done:   make(chan struct{}),
	}
	if err := r.connect(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.monitor()
	return r, nil
}

func (r *RabbitQueue) connect() error {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(r.config.ConnectionName)
	conn, err := amqp.DialConfig(r.config.URL, amqp.Config{
		Heartbeat:  r.config.Heartbeat,
		Dial:       amqp.DefaultDial(r.config.DialTimeout),
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel failed: %w", err)
	}
	if err := r.declareTopology(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("enable publisher confirms failed: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.pubCh = ch
	r.mu.Unlock()
	return nil
}

func (r *RabbitQueue) declareTopology(ch *amqp.Channel) error {
	if r.config.EventExchange != "" {
		if err := ch.ExchangeDeclare(r.config.EventExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare event exchange failed: %w", err)
		}
	}
	if r.config.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(r.config.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead letter exchange failed: %w", err)
		}
		if _, err := ch.QueueDeclare(r.config.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead letter queue failed: %w", err)
		}
		if r.config.JobQueue != "" {
			// Dead-lettered messages keep their original routing key.
			if err := ch.QueueBind(r.config.DeadLetterQueue, r.config.JobQueue, r.config.DeadLetterExchange, false, nil); err != nil {
				return fmt.Errorf("bind dead letter queue failed: %w", err)
			}
		}
	}
	if r.config.JobQueue != "" {
		args := amqp.Table{}
		if r.config.JobMaxPriority > 0 {
			args["x-max-priority"] = int32(r.config.JobMaxPriority)
		}
		if r.config.JobTTL > 0 {
			args["x-message-ttl"] = int32(r.config.JobTTL.Milliseconds())
		}
		if r.config.DeadLetterExchange != "" {
			args["x-dead-letter-exchange"] = r.config.DeadLetterExchange
		}
		if _, err := ch.QueueDeclare(r.config.JobQueue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare job queue failed: %w", err)
		}
	}
	return nil
}

func (r *RabbitQueue) monitor() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-r.done:
			return
		case amqpErr := <-closed:
			if amqpErr == nil {
				return
			}
			logger.Warn(context.Background(), "rabbitmq connection lost", zap.Error(amqpErr))
			if !r.redial() {
				return
			}
		}
	}
}

// redial reconnects with exponential backoff until it succeeds or the queue
// is closed. Reports whether a connection was re-established.
func (r *RabbitQueue) redial() bool {
	delay := r.config.ReconnectDelay
	for {
		select {
		case <-r.done:
			return false
		case <-time.After(delay):
		}
		if err := r.connect(); err != nil {
			logger.Warn(context.Background(), "rabbitmq reconnect failed",
				zap.Error(err), zap.Duration("next_attempt_in", delay))
			delay *= 2
			if delay > r.config.MaxReconnectDelay {
				delay = r.config.MaxReconnectDelay
			}
			continue
		}
		logger.Info(context.Background(), "rabbitmq reconnected")
		r.restartSubscriptions()
		return true
	}
}

func (r *RabbitQueue) restartSubscriptions() {
	r.mu.Lock()
	started := r.started
	subs := make([]*rabbitSubscription, len(r.subscriptions))
	copy(subs, r.subscriptions)
	r.mu.Unlock()
	if !started {
		return
	}
	for _, sub := range subs {
		if err := r.startSubscription(sub); err != nil {
			logger.Error(context.Background(), "restart subscription failed",
				zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

// Publish publishes a message. Topics naming the declared work or dead-letter
// queue go through the default exchange; everything else is routed on the
// event exchange by topic.
func (r *RabbitQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	exchange, key := r.route(topic)
	return r.publish(ctx, exchange, key, message)
}

func (r *RabbitQueue) route(topic string) (exchange, key string) {
	if topic == r.config.JobQueue || topic == r.config.DeadLetterQueue {
		return "", topic
	}
	return r.config.EventExchange, topic
}

func (r *RabbitQueue) publisherChannel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("message queue is closed")
	}
	if r.pubCh == nil {
		return nil, errors.New("rabbitmq connection is down")
	}
	return r.pubCh, nil
}

func (r *RabbitQueue) publish(ctx context.Context, exchange, key string, message *Message) error {
	ch, err := r.publisherChannel()
	if err != nil {
		return err
	}
	if r.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.PublishTimeout)
		defer cancel()
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, toPublishing(message))
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirm failed: %w", err)
	}
	if !acked {
		return errors.New("publish was nacked by broker")
	}
	return nil
}

// SubscribeWithOptions subscribes to a topic with custom options. Topics other
// than the work queue are bound to the event exchange through a durable
// service-private queue.
func (r *RabbitQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.QueueName == "" {
		if topic == r.config.JobQueue {
			options.QueueName = topic
		} else {
			options.QueueName = fmt.Sprintf("%s.%s", r.config.ConnectionName, topic)
		}
	}

	sub := &rabbitSubscription{
		topic:   topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("message queue is closed")
	}
	r.subscriptions = append(r.subscriptions, sub)
	started := r.started
	r.mu.Unlock()

	if started {
		return r.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (r *RabbitQueue) Start() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("message queue is closed")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	subs := make([]*rabbitSubscription, len(r.subscriptions))
	copy(subs, r.subscriptions)
	r.mu.Unlock()

	for _, sub := range subs {
		if err := r.startSubscription(sub); err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitQueue) startSubscription(sub *rabbitSubscription) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq connection is down")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel failed: %w", err)
	}
	if err := ch.Qos(sub.opts.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos failed: %w", err)
	}
	if sub.opts.QueueName != r.config.JobQueue {
		if _, err := ch.QueueDeclare(sub.opts.QueueName, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("declare subscription queue failed: %w", err)
		}
		if err := ch.QueueBind(sub.opts.QueueName, sub.topic, r.config.EventExchange, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("bind subscription queue failed: %w", err)
		}
	}
	deliveries, err := ch.Consume(sub.opts.QueueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume failed: %w", err)
	}

	sub.mu.Lock()
	if sub.cancel != nil {
		sub.cancel()
	}
	base := sub.baseCtx
	if base == nil {
		base = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(base)
	sub.ch = ch
	subCtx := sub.ctx
	sub.mu.Unlock()

	workerCount := sub.opts.Concurrency
	if workerCount <= 0 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						// Channel died; the reconnect loop restarts us.
						return
					}
					r.handleDelivery(subCtx, sub, d)
				}
			}
		}()
	}
	return nil
}

func (r *RabbitQueue) handleDelivery(ctx context.Context, sub *rabbitSubscription, d amqp.Delivery) {
	m := fromDelivery(d)
	if m.MaxRetries == 0 {
		m.MaxRetries = sub.opts.MaxRetries
	}
	if m.Expiration == 0 && sub.opts.MessageTTL > 0 {
		m.Expiration = sub.opts.MessageTTL
	}
	if m.Expired() {
		_ = d.Ack(false)
		return
	}

	if err := sub.handler(ctx, m); err == nil {
		_ = d.Ack(false)
		return
	}
	if m.RetryCount >= m.MaxRetries {
		// Exhausted: reject without requeue so it dead-letters.
		_ = d.Nack(false, false)
		return
	}
	if sub.opts.RetryDelay > 0 {
		select {
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return
		case <-time.After(sub.opts.RetryDelay):
		}
	}
	retry := *m
	retry.RetryCount++
	// Retried copies go straight to the subscription queue so topic
	// subscribers do not see the event twice.
	if err := r.publish(ctx, "", sub.opts.QueueName, &retry); err != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Stop stops all consumers gracefully. In-flight handlers run to completion.
func (r *RabbitQueue) Stop() error {
	r.mu.Lock()
	subs := make([]*rabbitSubscription, len(r.subscriptions))
	copy(subs, r.subscriptions)
	r.started = false
	r.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.cancel != nil {
			sub.cancel()
		}
		sub.mu.Unlock()
	}
	for _, sub := range subs {
		sub.wg.Wait()
		sub.mu.Lock()
		ch := sub.ch
		sub.ch = nil
		sub.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
	}
	return nil
}

// Ping verifies the broker connection by opening a throwaway channel.
func (r *RabbitQueue) Ping(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq connection is down")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq ping failed: %w", err)
	}
	return ch.Close()
}

// QueueInfo is a point-in-time snapshot of one queue.
type QueueInfo struct {
	Ready     int
	Consumers int
}

// InspectQueue reports the ready-message and consumer counts for a queue.
func (r *RabbitQueue) InspectQueue(ctx context.Context, name string) (QueueInfo, error) {
	if name == "" {
		return QueueInfo{}, errors.New("queue name is required")
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return QueueInfo{}, errors.New("rabbitmq connection is down")
	}
	// A failed passive declare closes its channel, so use a throwaway one.
	ch, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("open channel failed: %w", err)
	}
	defer ch.Close()
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("inspect queue %s failed: %w", name, err)
	}
	return QueueInfo{Ready: q.Messages, Consumers: q.Consumers}, nil
}

// QueueDepth reports the number of ready messages in the work queue.
func (r *RabbitQueue) QueueDepth(ctx context.Context) (int, error) {
	if r.config.JobQueue == "" {
		return 0, errors.New("no job queue configured")
	}
	info, err := r.InspectQueue(ctx, r.config.JobQueue)
	if err != nil {
		return 0, err
	}
	return info.Ready, nil
}

// JobQueueName returns the configured work queue name.
func (r *RabbitQueue) JobQueueName() string { return r.config.JobQueue }

// DeadLetterQueueName returns the configured dead-letter queue name, empty
// when dead-lettering is disabled.
func (r *RabbitQueue) DeadLetterQueueName() string { return r.config.DeadLetterQueue }

// Close closes the producer and stops consumers.
func (r *RabbitQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	_ = r.Stop()

	r.mu.Lock()
	conn := r.conn
	pubCh := r.pubCh
	r.conn = nil
	r.pubCh = nil
	r.mu.Unlock()

	if pubCh != nil {
		_ = pubCh.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	r.wg.Wait()
	return err
}

// Delivery is a single received message with explicit acknowledgement control.
type Delivery struct {
	Message *Message

	raw   amqp.Delivery
	queue *RabbitQueue
}

// Ack acknowledges the message.
func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Reject rejects the message without requeue so it dead-letters.
func (d *Delivery) Reject() error {
	return d.raw.Nack(false, false)
}

// Requeue returns the message to the queue for redelivery.
func (d *Delivery) Requeue() error {
	return d.raw.Nack(false, true)
}

// Retry republishes the message to the work queue with an incremented retry
// count and acks the original. When retries are exhausted the message is
// rejected to the dead-letter queue instead; the returned bool reports
// whether a retry was scheduled.
func (d *Delivery) Retry(ctx context.Context) (bool, error) {
	m := *d.Message
	if m.MaxRetries <= 0 {
		m.MaxRetries = defaultMaxRetries
	}
	if m.RetryCount >= m.MaxRetries {
		if err := d.raw.Nack(false, false); err != nil {
			return false, fmt.Errorf("dead letter failed: %w", err)
		}
		return false, nil
	}
	m.RetryCount++
	if err := d.queue.publish(ctx, "", d.queue.config.JobQueue, &m); err != nil {
		// Could not schedule the copy; put the original back instead.
		_ = d.raw.Nack(false, true)
		return false, fmt.Errorf("republish failed: %w", err)
	}
	if err := d.raw.Ack(false); err != nil {
		return true, fmt.Errorf("ack after republish failed: %w", err)
	}
	return true, nil
}

// JobStream is a dedicated consumer over the work queue. Each stream owns its
// own AMQP channel so prefetch and cancellation are independent of other
// consumers.
type JobStream struct {
	queue      *RabbitQueue
	ch         *amqp.Channel
	tag        string
	deliveries chan *Delivery
	closeOnce  sync.Once
}

// OpenJobStream opens a consumer on the work queue with the given prefetch.
func (r *RabbitQueue) OpenJobStream(prefetch int) (*JobStream, error) {
	if r.config.JobQueue == "" {
		return nil, errors.New("no job queue configured")
	}
	if prefetch < 1 {
		prefetch = 1
	}
	r.mu.Lock()
	conn := r.conn
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errors.New("message queue is closed")
	}
	if conn == nil || conn.IsClosed() {
		return nil, errors.New("rabbitmq connection is down")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel failed: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos failed: %w", err)
	}
	tag := fmt.Sprintf("%s-stream-%d", r.config.JobQueue, r.streamSeq.Add(1))
	raw, err := ch.Consume(r.config.JobQueue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume failed: %w", err)
	}

	// Buffer up to prefetch so the pump can drain after Cancel even when
	// the consumer has stopped reading.
	s := &JobStream{
		queue:      r,
		ch:         ch,
		tag:        tag,
		deliveries: make(chan *Delivery, prefetch),
	}
	go func() {
		defer close(s.deliveries)
		for d := range raw {
			m := fromDelivery(d)
			if m.Expired() {
				// Stale work nobody wants anymore.
				_ = d.Ack(false)
				continue
			}
			s.deliveries <- &Delivery{Message: m, raw: d, queue: r}
		}
	}()
	return s, nil
}

// Deliveries yields messages until the stream is canceled or the connection
// drops. The channel closes when no more messages will arrive.
func (s *JobStream) Deliveries() <-chan *Delivery {
	return s.deliveries
}

// Cancel stops new deliveries. Messages already handed out stay valid and can
// still be acked on this stream's channel.
func (s *JobStream) Cancel() error {
	if err := s.ch.Cancel(s.tag, false); err != nil {
		return fmt.Errorf("cancel consumer failed: %w", err)
	}
	return nil
}

// Close releases the underlying channel. Unacked deliveries return to the
// queue.
func (s *JobStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ch.Close()
	})
	return err
}

func toPublishing(m *Message) amqp.Publishing {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.RetryCount > 0 {
		headers[headerRetryCount] = int32(m.RetryCount)
	}
	if m.MaxRetries > 0 {
		headers[headerMaxRetries] = int32(m.MaxRetries)
	}

	pub := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     m.Priority,
		MessageId:    m.ID,
		Timestamp:    m.Timestamp,
		Body:         m.Body,
	}
	if m.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(m.Expiration.Milliseconds(), 10)
	}
	return pub
}

func fromDelivery(d amqp.Delivery) *Message {
	m := &Message{
		ID:        d.MessageId,
		Body:      d.Body,
		Headers:   make(map[string]string),
		Timestamp: d.Timestamp,
		Priority:  d.Priority,
	}
	for k, v := range d.Headers {
		switch k {
		case headerRetryCount:
			m.RetryCount = tableInt(v)
		case headerMaxRetries:
			m.MaxRetries = tableInt(v)
		default:
			if s, ok := v.(string); ok {
				m.Headers[k] = s
			}
		}
	}
	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
			m.Expiration = time.Duration(ms) * time.Millisecond
		}
	}
	return m
}

// tableInt converts the numeric types AMQP field tables decode into.
func tableInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
