package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "crisis-alerts")
	require.NoError(t, err)
	return topic, srv
}

func TestPushPublishesEnvelopes(t *testing.T) {
	t.Parallel()

	topic, srv := newTestTopic(t)
	push := New(topic)
	defer push.Close()
	ctx := context.Background()

	require.NoError(t, push.EmitToUser(ctx, "u1", "new_article_alert", map[string]int64{"article_id": 9}))
	require.NoError(t, push.Broadcast(ctx, "crisis_detected", map[string]string{"title": "Quake"}))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)

	byChannel := map[string]*pstest.Message{}
	for _, m := range msgs {
		byChannel[m.Attributes["channel"]] = m
	}
	user := byChannel["user:u1"]
	require.NotNil(t, user)
	require.Equal(t, "u1", user.Attributes["user_id"])
	require.Equal(t, "new_article_alert", user.Attributes["event"])

	var env struct {
		Event   string           `json:"event"`
		UserID  string           `json:"user_id"`
		Payload map[string]int64 `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(user.Data, &env))
	require.Equal(t, int64(9), env.Payload["article_id"])

	broadcast := byChannel["broadcast"]
	require.NotNil(t, broadcast)
	require.Empty(t, broadcast.Attributes["user_id"])
}

func TestPushWithoutTopic(t *testing.T) {
	t.Parallel()

	push := New(nil)
	require.Error(t, push.Broadcast(context.Background(), "e", nil))
}
