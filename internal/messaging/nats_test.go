package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/securechat/internal/protocol"
)

func TestDeliverSubject(t *testing.T) {
	assert.Equal(t, "deliver.alice", DeliverSubject("alice"))
}

// newTestClient connects to TEST_NATS_URL and skips when it is not set.
func newTestClient(t *testing.T, name string) *NATSClient {
	t.Helper()
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set, skipping NATS integration test")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.Name = name
	c, err := NewNATSClient(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDeliveryRoundTrip(t *testing.T) {
	a := newTestClient(t, "instance-a")
	b := newTestClient(t, "instance-b")

	got := make(chan DeliveryEvent, 1)
	require.NoError(t, b.SubscribeDeliveries("bob", func(ev DeliveryEvent) { got <- ev }))
	require.NoError(t, b.conn.Flush())

	view := protocol.MessageView{ID: "m1", SenderID: "alice", ReceiverID: "bob", Message: "hi", IsEncrypted: true}
	require.NoError(t, a.PublishDelivery("bob", view))

	select {
	case ev := <-got:
		assert.Equal(t, "bob", ev.ReceiverID)
		assert.Equal(t, "hi", ev.Message.Message)
		assert.Equal(t, "instance-a", ev.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}

	require.NoError(t, b.UnsubscribeDeliveries("bob"))
	assert.Error(t, b.UnsubscribeDeliveries("bob"))
}

func TestBindIgnoresOwnOrigin(t *testing.T) {
	a := newTestClient(t, "instance-a")
	b := newTestClient(t, "instance-b")

	gotA := make(chan BindEvent, 1)
	gotB := make(chan BindEvent, 1)
	require.NoError(t, a.SubscribeBinds(func(ev BindEvent) { gotA <- ev }))
	require.NoError(t, b.SubscribeBinds(func(ev BindEvent) { gotB <- ev }))
	require.NoError(t, a.conn.Flush())
	require.NoError(t, b.conn.Flush())

	require.NoError(t, a.PublishBind("alice", "c1"))

	select {
	case ev := <-gotB:
		assert.Equal(t, "alice", ev.UserID)
		assert.Equal(t, "c1", ev.ConnID)
	case <-time.After(2 * time.Second):
		t.Fatal("bind not received by other instance")
	}

	select {
	case ev := <-gotA:
		t.Fatalf("publisher received its own bind: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
