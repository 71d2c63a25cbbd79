package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub is a Redis Streams publisher/subscriber pair sharing one client.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	client     redis.UniversalClient
}

// Close closes the publisher, the subscriber and the shared client.
func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var first error
	for _, c := range []interface{ Close() error }{p.Publisher, p.Subscriber, p.client} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildPubSub constructs a Redis Streams publisher and a consumer-group
// subscriber for s.
func BuildPubSub(s Settings, logger watermill.LoggerAdapter) (*PubSub, error) {
	if !s.Enabled {
		return nil, errors.New("redisstream: transport disabled")
	}
	s = s.Normalize()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: new publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: new subscriber")
	}
	return &PubSub{Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if isBusyGroup(err) {
			return nil
		}
		return errors.Wrap(err, "redisstream: create consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
