package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/slotkeeper/internal/config"
	"github.com/wolfman30/slotkeeper/internal/events"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

// BuildDeliveryHandler picks the outbox transport named by OUTBOX_TRANSPORT.
// The returned close func releases transport resources.
func BuildDeliveryHandler(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (events.DeliveryHandler, func() error, error) {
	noop := func() error { return nil }
	switch cfg.OutboxTransport {
	case "", "log":
		return events.NewLogHandler(logger), noop, nil
	case "sqs":
		if cfg.NotifyQueueURL == "" {
			return nil, nil, fmt.Errorf("bootstrap: NOTIFY_QUEUE_URL is required for the sqs transport")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: aws config: %w", err)
		}
		return events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.NotifyQueueURL), noop, nil
	case "kafka":
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, publisher.Close, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown outbox transport %q", cfg.OutboxTransport)
	}
}

// BuildDeliverer wires the outbox relay for core.
func BuildDeliverer(ctx context.Context, cfg *appconfig.Config, core *Core, logger *logging.Logger) (*events.Deliverer, func() error, error) {
	handler, closeFn, err := BuildDeliveryHandler(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deliverer := events.NewDeliverer(core.Outbox, handler, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxInterval)
	return deliverer, closeFn, nil
}
