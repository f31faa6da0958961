// Команда dlq-reprocess перечитывает reseller.dlq и возвращает сообщения в исходные топики.
// Без -execute только показывает, что было бы отправлено.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "RESELLER_KAFKA_BROKERS"
	replayClientID     = "reseller-dlq-reprocess"
)

type config struct {
	brokers     []string
	sourceTopic string
	// targetTopic переопределяет топик назначения; пустой означает исходный топик сообщения.
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	_ = godotenv.Load()

	cfg, err := readConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	cfg := config{}
	var brokers string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "topic to read dead letters from")
	fs.StringVar(&cfg.targetTopic, "target-topic", "", "send every message here instead of its original topic")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "maximum number of messages to read")
	fs.BoolVar(&cfg.execute, "execute", false, "publish messages; without it the run is a dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "read the last -limit messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)

	var errs []error
	if len(cfg.brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers))
	}
	if cfg.sourceTopic == "" {
		errs = append(errs, errors.New("source-topic is required"))
	} else if cfg.targetTopic == cfg.sourceTopic {
		errs = append(errs, errors.New("target-topic must differ from source-topic"))
	}
	if cfg.limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if cfg.idleTimeout <= 0 {
		errs = append(errs, errors.New("idle-timeout must be > 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// kafkaConnections: соединения, которые нужны одному прогону.
type kafkaConnections struct {
	client   offsetClient
	consumer partitionSource
	// sink открывается только в режиме execute.
	sink replaySink
}

func (c kafkaConnections) Close() {
	for _, closer := range []io.Closer{c.sink, c.consumer, c.client} {
		if closer != nil {
			_ = closer.Close()
		}
	}
}

var dialKafka = func(cfg config) (kafkaConnections, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = replayClientID
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return kafkaConnections{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return kafkaConnections{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	conns := kafkaConnections{client: client, consumer: saramaSource{consumer: consumer}}
	if !cfg.execute {
		return conns, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, replayClientID)
	if err != nil {
		conns.Close()
		return kafkaConnections{}, err
	}
	conns.sink = producer
	return conns, nil
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"mode":         cfg.mode(),
	})
	logger.WithField("limit", cfg.limit).Info("starting dlq replay")

	conns, err := dialKafka(cfg)
	if err != nil {
		return err
	}
	defer conns.Close()

	r, err := newReplayer(cfg, conns, logger)
	if err != nil {
		return err
	}
	_, err = r.Run(ctx)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
