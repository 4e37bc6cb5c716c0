package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestProductPointIDStable(t *testing.T) {
	a := productPointID("Biogesic 500mg")
	assert.Equal(t, a, productPointID("Biogesic 500mg"))
	assert.NotEqual(t, a, productPointID("Biogesic 250mg"))
	assert.Len(t, a, 36)
}

func TestGetStringFromPayload(t *testing.T) {
	payload := map[string]*qdrant.Value{
		"name": {Kind: &qdrant.Value_StringValue{StringValue: "Ceelin"}},
		"nil":  nil,
	}
	assert.Equal(t, "Ceelin", getStringFromPayload(payload, "name"))
	assert.Equal(t, "", getStringFromPayload(payload, "nil"))
	assert.Equal(t, "", getStringFromPayload(payload, "missing"))
}

// TestQdrantVectorStore needs Docker. Set AI_INTEGRATION_TESTS=1 to enable it.
func TestQdrantVectorStore(t *testing.T) {
	if os.Getenv("AI_INTEGRATION_TESTS") != "1" {
		t.Skip("AI_INTEGRATION_TESTS not set")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.15.1",
			ExposedPorts: []string{"6334/tcp"},
			WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate qdrant container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6334")
	require.NoError(t, err)

	svc, err := NewVectorStoreService(fmt.Sprintf("%s:%s", host, port.Port()), "", zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()

	names := []string{"Biogesic 500mg", "Amlodipine 5mg", "Ceelin Syrup"}
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0.6, 0.8}}
	require.NoError(t, svc.ReplaceCollection(ctx, "products_test", names, vectors))

	hits, err := svc.Search(ctx, "products_test", []float32{0, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Amlodipine 5mg", hits[0].Name)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.Equal(t, "Ceelin Syrup", hits[1].Name)

	// Rebuilding drops points that are no longer present.
	require.NoError(t, svc.ReplaceCollection(ctx, "products_test", names[:1], vectors[:1]))
	hits, err = svc.Search(ctx, "products_test", []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Biogesic 500mg", hits[0].Name)

	err = svc.ReplaceCollection(ctx, "products_test", names, vectors[:1])
	assert.Error(t, err)
}
