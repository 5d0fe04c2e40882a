package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type event struct {
	LibraryID string `json:"libraryId"`
	Status    string `json:"status"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"libraryId": e.LibraryID, "status": e.Status}
}

func TestPublishDeliversJSONWithAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "docindex-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "crawl-results")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(pub.Stop)

	id, err := pub.Publish(ctx, "crawl-results", event{LibraryID: "lib-1", Status: "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"libraryId":"lib-1","status":"completed"}`, string(msgs[0].Data))
	require.Equal(t, "completed", msgs[0].Attributes["status"])
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "t", event{})
	require.Error(t, err)

	_, err = New(nil).Publish(context.Background(), "t", event{})
	require.Error(t, err)
}
