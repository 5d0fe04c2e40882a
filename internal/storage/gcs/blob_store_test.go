package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesUnderPrefix(t *testing.T) {
	t.Parallel()

	w := &bufferWriter{}
	var gotObject, gotType string
	store, err := newStore(Config{Bucket: "docs-bundles", Prefix: "/crawls/"},
		func(_ context.Context, object, contentType string) io.WriteCloser {
			gotObject, gotType = object, contentType
			return w
		})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "lib-1/job-1.json", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, "gs://docs-bundles/crawls/lib-1/job-1.json", uri)
	require.Equal(t, "crawls/lib-1/job-1.json", gotObject)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, `{"a":1}`, w.String())
	require.True(t, w.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	_, err := newStore(Config{}, nil)
	require.Error(t, err)
	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	failing := &bufferWriter{closeErr: errors.New("precondition failed")}
	store, err := newStore(Config{Bucket: "b"}, func(context.Context, string, string) io.WriteCloser { return failing })
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "a.json", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "precondition failed")

	_, err = store.PutObject(context.Background(), "b.json", "", errReader{})
	require.ErrorContains(t, err, "copy object b.json")
}

type bufferWriter struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
