// Package publisher defines how post-processing notifications leave the queue.
package publisher

import "context"

// Publisher sends a JSON-encodable payload to a topic and returns the
// broker-assigned message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
