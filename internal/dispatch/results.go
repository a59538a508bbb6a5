package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Syncano/scriptbox/internal/model"
)

// Result payload prefix bytes. Synchronous callers use the prefix to decide
// whether the payload is a raw execution result or a structured response
// suitable for rendering directly.
const (
	rawResultPrefix = '0'
	responsePrefix  = '1'
)

// ResultPayload is one delivered execution result.
type ResultPayload struct {
	// Structured is true when Data is a model.Response, false when it is a
	// model.Result.
	Structured bool
	Data       []byte
}

// Results delivers execution results to synchronous callers over Redis
// pub/sub, keyed by the spec's result key.
type Results struct {
	client *redis.Client
}

// NewResults creates a result publisher.
func NewResults(client *redis.Client) *Results {
	return &Results{client: client}
}

func resultChannel(key string) string {
	return "result:" + key
}

// Publish delivers the result on the spec's result channel. A result with a
// structured response publishes the response; everything else publishes the
// raw result.
func (r *Results) Publish(ctx context.Context, key string, result *model.Result) error {
	var prefix byte
	var body any
	if result.Response != nil {
		prefix = responsePrefix
		body = result.Response
	} else {
		prefix = rawResultPrefix
		body = result
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}

	payload := append([]byte{prefix}, raw...)
	if err := r.client.Publish(ctx, resultChannel(key), payload).Err(); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// Subscribe listens for the result published under key. The returned channel
// yields at most one payload; cancel releases the subscription.
func (r *Results) Subscribe(ctx context.Context, key string) (<-chan ResultPayload, func(), error) {
	sub := r.client.Subscribe(ctx, resultChannel(key))
	// Force the subscription onto the wire before the caller enqueues the
	// spec, so a fast worker cannot publish into the void.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe result channel: %w", err)
	}

	out := make(chan ResultPayload, 1)
	go func() {
		defer close(out)
		msg, ok := <-sub.Channel()
		if !ok {
			return
		}
		payload := []byte(msg.Payload)
		if len(payload) == 0 {
			return
		}
		out <- ResultPayload{
			Structured: payload[0] == responsePrefix,
			Data:       payload[1:],
		}
	}()

	return out, func() { sub.Close() }, nil
}
