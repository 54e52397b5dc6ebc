package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/corrflow/transport"
	"github.com/drblury/corrflow/transport/transporttest"
)

func newJournal(t *testing.T) (*Publisher, *Subscriber, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flows.journal")
	pub, err := NewPublisher(path)
	require.NoError(t, err)
	sub := NewSubscriber(path, watermill.NopLogger{})
	t.Cleanup(func() {
		_ = sub.Close()
		_ = pub.Close()
	})
	return pub, sub, path
}

func next(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.Equal(t, "journal", transport.GetCapabilities(TransportName).Name)
	assert.Equal(t, "journal", transport.GetCapabilities("io").Name)
	assert.True(t, Capabilities().SupportsOrdering)
}

func TestBuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "built.journal")
	tr, err := Build(context.Background(), &transporttest.Config{JournalFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Subscriber.Close()
	defer tr.Publisher.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReplaysExistingLinesInOrder(t *testing.T) {
	pub, sub, _ := newJournal(t)

	for _, payload := range []string{"one", "two", "three"} {
		msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
		msg.Metadata.Set("source", "capture")
		require.NoError(t, pub.Publish("flows.raw", msg))
	}
	require.NoError(t, pub.Publish("elsewhere", message.NewMessage(watermill.NewUUID(), []byte("skip"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "flows.raw")
	require.NoError(t, err)

	for _, want := range []string{"one", "two", "three"} {
		msg := next(t, ch)
		assert.Equal(t, want, string(msg.Payload))
		assert.Equal(t, "capture", msg.Metadata.Get("source"))
		msg.Ack()
	}
}

func TestFollowsAppends(t *testing.T) {
	pub, sub, _ := newJournal(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "flows.raw")
	require.NoError(t, err)

	require.NoError(t, pub.Publish("flows.raw", message.NewMessage("late", []byte(`{"src":"A"}`))))

	msg := next(t, ch)
	assert.Equal(t, "late", msg.UUID)
	assert.JSONEq(t, `{"src":"A"}`, string(msg.Payload))
	msg.Ack()
}

func TestNackRedelivers(t *testing.T) {
	pub, sub, _ := newJournal(t)
	require.NoError(t, pub.Publish("flows.raw",
		message.NewMessage("first", nil),
		message.NewMessage("second", nil),
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "flows.raw")
	require.NoError(t, err)

	msg := next(t, ch)
	assert.Equal(t, "first", msg.UUID)
	msg.Nack()

	msg = next(t, ch)
	assert.Equal(t, "first", msg.UUID)
	msg.Ack()

	msg = next(t, ch)
	assert.Equal(t, "second", msg.UUID)
	msg.Ack()
}

func TestSkipsUnreadableLines(t *testing.T) {
	pub, sub, path := newJournal(t)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, pub.Publish("flows.raw", message.NewMessage("valid", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "flows.raw")
	require.NoError(t, err)

	msg := next(t, ch)
	assert.Equal(t, "valid", msg.UUID)
	msg.Ack()
}

func TestClose(t *testing.T) {
	pub, sub, _ := newJournal(t)

	ch, err := sub.Subscribe(context.Background(), "flows.raw")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-ch
	assert.False(t, open)

	_, err = sub.Subscribe(context.Background(), "flows.raw")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("flows.raw", message.NewMessage("late", nil)), ErrClosed)
}
