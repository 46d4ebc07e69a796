package pubsub

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func receive(t *testing.T, sub Subscription) *Message {
	t.Helper()
	select {
	case m, ok := <-sub.Chan():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestPublishAndSubscribe(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()

	sub, err := ps.Subscribe("wants", "c1", -1)
	require.NoError(t, err)

	msg, err := ps.Publish("wants", []byte(`{"type":"want.created"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Sequence)

	got := receive(t, sub)
	assert.Equal(t, "wants", got.Topic)
	assert.JSONEq(t, `{"type":"want.created"}`, string(got.Payload))
	assert.Equal(t, int64(1), got.Sequence)
	assert.False(t, got.Timestamp.IsZero())
}

func TestLateSubscriberReplay(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()

	for i := 1; i <= 5; i++ {
		_, err := ps.Publish("wants", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}

	sub, err := ps.Subscribe("wants", "late", 2)
	require.NoError(t, err)
	for want := int64(3); want <= 5; want++ {
		assert.Equal(t, want, receive(t, sub).Sequence)
	}

	_, err = ps.Publish("wants", []byte(`{"n":6}`))
	require.NoError(t, err)
	assert.Equal(t, int64(6), receive(t, sub).Sequence)
}

func TestSubscribeWithoutReplay(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()

	_, err := ps.Publish("wants", []byte(`{}`))
	require.NoError(t, err)

	sub, err := ps.Subscribe("wants", "live", -1)
	require.NoError(t, err)
	select {
	case m := <-sub.Chan():
		t.Fatalf("unexpected replay of seq %d", m.Sequence)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestOrderPreserved(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()

	sub, err := ps.Subscribe("wants", "ordered", -1)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := ps.Publish("wants", []byte(`{}`))
		require.NoError(t, err)
	}
	for want := int64(1); want <= 50; want++ {
		assert.Equal(t, want, receive(t, sub).Sequence)
	}
}

func TestRetainBound(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()
	ps.SetRetain(3)

	for i := 0; i < 10; i++ {
		_, err := ps.Publish("wants", []byte(`{}`))
		require.NoError(t, err)
	}
	stats := ps.GetStats("wants")
	assert.Equal(t, int64(10), stats.LastSequence)
	assert.Equal(t, 3, stats.Retained)

	sub, err := ps.Subscribe("wants", "late", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), receive(t, sub).Sequence)
}

func TestUnsubscribe(t *testing.T) {
	ps := NewInMemoryPubSub()
	defer ps.Close()

	sub, err := ps.Subscribe("wants", "c1", -1)
	require.NoError(t, err)
	again, err := ps.Subscribe("wants", "c1", -1)
	require.NoError(t, err)
	assert.Same(t, sub, again)
	assert.True(t, ps.IsSubscribed("wants", "c1"))
	assert.Equal(t, 1, ps.GetStats("wants").ConsumerCount)

	require.NoError(t, ps.Unsubscribe("wants", "c1"))
	assert.False(t, ps.IsSubscribed("wants", "c1"))

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Chan():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCloseRejectsPublish(t *testing.T) {
	ps := NewInMemoryPubSub()
	require.NoError(t, ps.Close())
	_, err := ps.Publish("wants", []byte(`{}`))
	assert.Error(t, err)
}
