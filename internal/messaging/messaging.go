package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RunQueue        = "run_queue"
	RetryQueue      = "retry_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type RunTaskPayload struct {
	RunId uuid.UUID
}

type RetryTaskPayload struct {
	RunId uuid.UUID
}

type Publisher interface {
	PublishRunTask(ctx context.Context, payload RunTaskPayload) error

	PublishRetryTask(ctx context.Context, payload RetryTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
