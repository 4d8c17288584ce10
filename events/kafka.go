package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig selects the brokers and topic progress is published to
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards progress events to a Kafka topic keyed by request
// id, so one request's updates stay ordered within a partition
type KafkaSink struct {
	writer messageWriter
	ch     chan Progress
	logger zerolog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewKafkaSink validates cfg and builds a writer
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger zerolog.Logger) *KafkaSink {
	s := &KafkaSink{
		writer: w,
		ch:     make(chan Progress, 256),
		logger: logger.With().Str("component", "kafka").Logger(),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Attach subscribes the sink to bus
func (s *KafkaSink) Attach(bus *Bus) {
	bus.Subscribe(func(p Progress) { s.Publish(context.Background(), p) })
}

// Publish queues p for delivery without blocking
func (s *KafkaSink) Publish(ctx context.Context, p Progress) {
	select {
	case s.ch <- p:
	default:
		s.logger.Warn().Int64("request_id", p.RequestID).Msg("kafka buffer full, dropping progress event")
	}
}

func (s *KafkaSink) loop() {
	defer s.wg.Done()
	for p := range s.ch {
		value, err := json.Marshal(p)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(strconv.FormatInt(p.RequestID, 10)),
			Value: value,
			Time:  p.At,
		})
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Int64("request_id", p.RequestID).Msg("kafka publish failed")
		}
	}
}

// Close flushes queued events and closes the writer
func (s *KafkaSink) Close() error {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
	return s.writer.Close()
}
