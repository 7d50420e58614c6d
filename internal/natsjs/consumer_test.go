package natsjs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestsub/internal/logger"
	"nestsub/internal/worker"
)

func startConsumer(t *testing.T) (*gochannel.GoChannel, *Consumer, <-chan worker.Delivery) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger.Watermill("test"))
	ch := make(chan worker.Delivery, 10)
	c := newConsumer(pubSub, "camera.events", ch)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
		_ = c.Stop()
	})
	return pubSub, c, ch
}

func next(t *testing.T, ch <-chan worker.Delivery) worker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery received")
		return nil
	}
}

func TestConsumer_AckedDelivery(t *testing.T) {
	pubSub, c, ch := startConsumer(t)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"eventThreadId":"abc"}`))
	require.NoError(t, pubSub.Publish("camera.events", msg))

	d := next(t, ch)
	assert.Equal(t, `{"eventThreadId":"abc"}`, string(d.Data()))
	d.Ack()
	d.Done(nil)

	assert.Eventually(t, func() bool { return c.Stats().Acked == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, c.Stats().Nacked)
}

func TestConsumer_FailedDeliveryIsRedelivered(t *testing.T) {
	pubSub, c, ch := startConsumer(t)

	require.NoError(t, pubSub.Publish("camera.events", message.NewMessage(watermill.NewUUID(), []byte(`bad`))))

	first := next(t, ch)
	first.Done(errors.New("malformed envelope"))

	second := next(t, ch)
	assert.Equal(t, "bad", string(second.Data()))
	second.Ack()
	second.Done(nil)

	assert.Eventually(t, func() bool { return c.Stats().Acked == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Nacked)
	assert.Equal(t, uint64(2), c.Stats().Received)
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(Config{Deliveries: make(chan worker.Delivery)})
	assert.Error(t, err)

	_, err = NewConsumer(Config{Subject: "camera.events"})
	assert.Error(t, err)
}
