package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "pages", map[string]string{"url": "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "status", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "pages", msgs[0].Topic)
	require.Equal(t, "memory-1", msgs[0].ID)
	require.Equal(t, []any{"payload"}, pub.Payloads("status"))
	require.Empty(t, pub.Payloads("missing"))

	msgs[0].Topic = "modified"
	require.Equal(t, "pages", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "pages", "x")
	require.ErrorContains(t, err, "publish canceled")
}
