package search

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 → gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "no port defaults to gRPC port",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestSearchRejectsEmptyScopes(t *testing.T) {
	// The scope check runs before any gRPC call, so a client-less index is
	// enough to exercise it. An unscoped query would cross tenants.
	q := &QdrantIndex{collection: "knowledge", logger: slog.Default()}

	_, err := q.Search(context.Background(), nil, []float32{0.1, 0.2}, "", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant scope")

	_, err = q.Search(context.Background(), []string{}, []float32{0.1, 0.2}, "", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant scope")
}

func TestUpsertEmptyPoints(t *testing.T) {
	// Empty input returns before touching the client.
	q := &QdrantIndex{collection: "knowledge", logger: slog.Default()}
	assert.NoError(t, q.Upsert(context.Background(), nil))
	assert.NoError(t, q.Upsert(context.Background(), []Point{}))
}

func TestDeleteByIDsEmpty(t *testing.T) {
	q := &QdrantIndex{collection: "knowledge", logger: slog.Default()}
	assert.NoError(t, q.DeleteByIDs(context.Background(), nil))
}

func TestHealthErrRoundTrip(t *testing.T) {
	q := &QdrantIndex{}

	// Fresh index: no stored value reads as healthy.
	assert.NoError(t, q.loadHealthErr())

	probeErr := errors.New("connection refused")
	q.storeHealthErr(probeErr)
	assert.ErrorIs(t, q.loadHealthErr(), probeErr)

	// Storing nil must round-trip as nil; atomic.Value cannot hold a bare
	// nil, hence the pointer wrapping.
	q.storeHealthErr(nil)
	assert.NoError(t, q.loadHealthErr())
}
