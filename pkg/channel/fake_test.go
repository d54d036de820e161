package channel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/channel"
)

func TestFakeQueuesWhileDisconnectedAndDrainsOnReconnect(t *testing.T) {
	f := channel.NewFake()
	f.SetConnected(false)

	err := f.Send(context.Background(), "chat-1", "hello")
	require.Error(t, err)
	require.Empty(t, f.Sent)

	f.SetConnected(true)
	require.Len(t, f.Sent, 1)
	require.Equal(t, "hello", f.Sent[0].Text)
}
