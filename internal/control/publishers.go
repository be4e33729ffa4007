package control

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

// LogPublisher writes a one-line summary of every snapshot to the logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("status")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, snap state.Snapshot) error {
	p.logger.Info("crawl status",
		zap.String("status", string(snap.Status)),
		zap.Int("crawled", snap.CrawledCount),
		zap.Int("queued", snap.QueueSize),
		zap.Int("visited", snap.VisitedCount),
		zap.Float64("pages_per_minute", snap.PagesPerMinute),
		zap.Any("status_codes", snap.StatusCodes),
	)
	return nil
}

// TopicPublisher forwards snapshots to a message topic.
type TopicPublisher struct {
	publisher crawler.Publisher
	topic     string
}

// NewTopicPublisher wraps publisher for topic.
func NewTopicPublisher(publisher crawler.Publisher, topic string) (*TopicPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &TopicPublisher{publisher: publisher, topic: topic}, nil
}

// Publish implements Publisher. Recent log lines are omitted from messages.
func (p *TopicPublisher) Publish(ctx context.Context, snap state.Snapshot) error {
	snap.RecentLogs = nil
	if _, err := p.publisher.Publish(ctx, p.topic, snap); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
