package whitelist

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dirbs/dirbs-core/internal/config"
)

// Broker wraps the Kafka producer used to publish whitelist change events.
type Broker struct {
	client *kgo.Client
	topic  string
}

func NewBroker(cfg config.Kafka) (*Broker, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("kafka host and port are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(100 * time.Millisecond),
	}

	switch strings.ToUpper(cfg.Protocol) {
	case "", "PLAINTEXT":
	case "SSL":
		tlsCfg, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	default:
		return nil, fmt.Errorf("unsupported kafka protocol %q", cfg.Protocol)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Broker{client: client, topic: cfg.Topic}, nil
}

func tlsConfig(cfg config.Kafka) (*tls.Config, error) {
	if cfg.ClientCert == "" || cfg.ClientKey == "" || cfg.CARootCert == "" {
		return nil, errors.New("ssl protocol requires client certificate, key and CA root certificate")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CARootCert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to parse CA root certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (b *Broker) Close() {
	b.client.Close()
}

// EnsureTopic creates the configured topic if it does not already exist.
func (b *Broker) EnsureTopic(ctx context.Context, partitions, replication int) error {
	adm := kadm.NewClient(b.client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, b.topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// Publish produces a single event and waits for the broker ack. Events are
// keyed by IMEI so consumers see changes for one device in order.
func (b *Broker) Publish(ctx context.Context, key string, value []byte) error {
	rec := &kgo.Record{Topic: b.topic, Key: []byte(key), Value: value}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}
	return nil
}
