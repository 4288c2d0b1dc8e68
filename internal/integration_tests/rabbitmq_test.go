package integrationtests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"annotation-backend/internal/messaging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	publisher, reciever := setupRabbitMQContainer(t, ctx)

	t.Run("Publish and Receive RunTask", func(t *testing.T) {
		payload := messaging.RunTaskPayload{RunId: uuid.New()}
		err := publisher.PublishRunTask(ctx, payload)
		require.NoError(t, err)

		select {
		case task := <-reciever.Tasks():
			assert.Equal(t, messaging.RunQueue, task.Type())

			var receivedPayload messaging.RunTaskPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})

	t.Run("Publish and Receive RetryTask", func(t *testing.T) {
		payload := messaging.RetryTaskPayload{RunId: uuid.New()}
		err := publisher.PublishRetryTask(ctx, payload)
		require.NoError(t, err)

		select {
		case task := <-reciever.Tasks():
			assert.Equal(t, messaging.RetryQueue, task.Type())

			var receivedPayload messaging.RetryTaskPayload
			err := json.Unmarshal(task.Payload(), &receivedPayload)
			require.NoError(t, err)
			assert.Equal(t, payload, receivedPayload)

			err = task.Ack()
			require.NoError(t, err)
		case <-time.After(4 * time.Second):
			t.Fatal("Timed out waiting for task")
		}
	})
}
