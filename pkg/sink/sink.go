package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/84hero/safe-indexer/internal/webhook"
	"github.com/84hero/safe-indexer/pkg/events"
)

var ErrOutputClosed = errors.New("output is closed")

// Output defines the interface for event output pipeline
type Output interface {
	Name() string
	Send(ctx context.Context, evs []events.Event) error
	Close() error
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan []events.Event
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
	log      log.Logger
}

type WebhookConfig struct {
	Client     webhook.Config `mapstructure:",squash"`
	Async      bool           `mapstructure:"async"`
	BufferSize int            `mapstructure:"buffer_size"`
	Workers    int            `mapstructure:"workers"`
}

func NewWebhookOutput(cfg WebhookConfig) *WebhookOutput {
	wo := &WebhookOutput{
		client: webhook.NewClient(cfg.Client),
		async:  cfg.Async,
		log:    log.New("output", "webhook"),
	}

	if cfg.Async {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 1000
		}
		if cfg.Workers <= 0 {
			cfg.Workers = 1
		}
		wo.queue = make(chan []events.Event, cfg.BufferSize)
		for i := 0; i < cfg.Workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for evs := range w.queue {
		if err := w.client.Send(context.Background(), evs); err != nil {
			w.log.Error("Async webhook delivery failed", "events", len(evs), "err", err)
		}
	}
}

// Send delivers evs. In async mode it only enqueues and delivery failures are
// logged by the worker.
func (w *WebhookOutput) Send(ctx context.Context, evs []events.Event) error {
	if !w.async {
		return w.client.Send(ctx, evs)
	}

	w.closedMu.Lock()
	defer w.closedMu.Unlock()
	if w.closed {
		return fmt.Errorf("webhook: %w", ErrOutputClosed)
	}
	select {
	case w.queue <- evs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the async queue before returning.
func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

// FileOutput appends one JSON document per event.
type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, evs []events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encodeAll(f.file, evs)
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

// NewConsoleOutput writes JSON lines to stdout, or one readable line per
// event when pretty is set.
func NewConsoleOutput(pretty bool) *ConsoleOutput {
	return NewWriterOutput(os.Stdout, pretty)
}

// NewWriterOutput is a console output on an arbitrary writer.
func NewWriterOutput(w io.Writer, pretty bool) *ConsoleOutput {
	return &ConsoleOutput{w: w, pretty: pretty}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, evs []events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pretty {
		return encodeAll(c.w, evs)
	}
	for _, ev := range evs {
		state := "final"
		if ev.Provisional {
			state = "provisional"
		}
		if _, err := fmt.Fprintf(c.w, "[%s] #%d %s (%s)\n", ev.Stream, ev.BlockNumber, ev.Describe(), state); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

func encodeAll(w io.Writer, evs []events.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// --- 4. Redis Output ---

// Redis delivery modes.
const (
	RedisModeList   = "list"
	RedisModePubSub = "pubsub"
)

type RedisOutput struct {
	client redis.UniversalClient
	key    string
	mode   string
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"`
}

func NewRedisOutput(ctx context.Context, cfg RedisConfig) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedisOutputWithClient(rdb, cfg.Key, cfg.Mode)
}

// NewRedisOutputWithClient uses an existing client. An empty mode means list.
func NewRedisOutputWithClient(client redis.UniversalClient, key, mode string) (*RedisOutput, error) {
	if key == "" {
		return nil, errors.New("redis output: key is required")
	}
	switch mode {
	case "":
		mode = RedisModeList
	case RedisModeList, RedisModePubSub:
	default:
		return nil, fmt.Errorf("redis output: unknown mode %q", mode)
	}
	return &RedisOutput{client: client, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if r.mode == RedisModePubSub {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 5. Kafka Output ---

type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

func NewKafkaOutput(cfg KafkaConfig) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_1_0_0
	if cfg.User != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = cfg.User
		config.Net.SASL.Password = cfg.Password
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaOutputWithProducer(producer, cfg.Topic), nil
}

func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topic string) *KafkaOutput {
	return &KafkaOutput{producer: producer, topic: topic}
}

func (k *KafkaOutput) Name() string { return "kafka" }

// Send keys every message by stream and natural key so a record and its
// later replays land on the same partition.
func (k *KafkaOutput) Send(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(evs))
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(messageKey(ev)),
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(ev.Kind)},
			},
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

func messageKey(ev events.Event) string {
	if ev.Key == "" {
		return ev.Stream
	}
	return ev.Stream + "/" + ev.Key
}

// --- 6. RabbitMQ Output ---

// amqpChannel is the part of *amqp.Channel the output uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         amqpChannel
	exchange   string
	routingKey string
}

type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Queue      string `mapstructure:"queue"`
	Durable    bool   `mapstructure:"durable"`
}

func NewRabbitMQOutput(cfg RabbitMQConfig) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fail := func(err error) (*RabbitMQOutput, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", cfg.Durable, false, false, false, nil); err != nil {
			return fail(err)
		}
	}
	if cfg.Queue != "" {
		q, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, false, false, false, nil)
		if err != nil {
			return fail(err)
		}
		if cfg.Exchange != "" {
			binding := cfg.RoutingKey
			if binding == "" {
				binding = "#"
			}
			if err := ch.QueueBind(q.Name, binding, cfg.Exchange, false, nil); err != nil {
				return fail(err)
			}
		}
	}
	out := newRabbitMQOutput(ch, cfg.Exchange, cfg.RoutingKey)
	out.conn = conn
	return out, nil
}

func newRabbitMQOutput(ch amqpChannel, exchange, routingKey string) *RabbitMQOutput {
	return &RabbitMQOutput{ch: ch, exchange: exchange, routingKey: routingKey}
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) Send(ctx context.Context, evs []events.Event) error {
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		err = r.ch.PublishWithContext(ctx, r.exchange, r.routeFor(ev), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageKey(ev),
			Type:         string(ev.Kind),
			Timestamp:    time.Now(),
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// routeFor expands {stream} and {kind} in the configured routing key. An
// empty key routes by "<stream>.<kind>".
func (r *RabbitMQOutput) routeFor(ev events.Event) string {
	if r.routingKey == "" {
		return ev.Stream + "." + string(ev.Kind)
	}
	return strings.NewReplacer("{stream}", ev.Stream, "{kind}", string(ev.Kind)).Replace(r.routingKey)
}

func (r *RabbitMQOutput) Close() error {
	err := r.ch.Close()
	if r.conn != nil {
		return r.conn.Close()
	}
	return err
}
