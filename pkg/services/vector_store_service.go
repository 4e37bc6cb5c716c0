package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const qdrantUpsertBatch = 256

// VectorStoreService はセマンティック索引のANNバックエンドとしてQdrantを使います。
type VectorStoreService struct {
	conn                    *grpc.ClientConn
	qdrantClient            qdrant.PointsClient
	qdrantCollectionsClient qdrant.CollectionsClient
	log                     zerolog.Logger
}

// NewVectorStoreService はQdrantへ接続し、サーバーの準備ができるまで待ちます。
func NewVectorStoreService(qdrantURL string, qdrantAPIKey string, log zerolog.Logger) (*VectorStoreService, error) {
	var dialOpts []grpc.DialOption

	// APIキーの有無で、Cloud接続(TLS+APIキー)とローカル接続(非セキュア)を切り替える
	if qdrantAPIKey != "" {
		creds := credentials.NewTLS(&tls.Config{})
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))

		authInterceptor := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			ctx = metadata.AppendToOutgoingContext(ctx, "api-key", qdrantAPIKey)
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(authInterceptor))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(qdrantURL, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant grpc client: %w", err)
	}

	s := &VectorStoreService{
		conn:                    conn,
		qdrantClient:            qdrant.NewPointsClient(conn),
		qdrantCollectionsClient: qdrant.NewCollectionsClient(conn),
		log:                     log,
	}

	// Qdrantサーバーが起動するまでリトライ
	maxRetries := 5
	retryInterval := 2 * time.Second
	var listErr error
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, listErr = s.qdrantCollectionsClient.List(ctx, &qdrant.ListCollectionsRequest{})
		cancel()
		if listErr == nil {
			log.Info().Str("url", qdrantURL).Msg("qdrant ready")
			return s, nil
		}
		log.Warn().Err(listErr).Int("attempt", i+1).Int("max", maxRetries).Msg("qdrant not ready, retrying")
		time.Sleep(retryInterval)
	}
	conn.Close()
	return nil, fmt.Errorf("qdrant not reachable: %w", listErr)
}

// Close closes the gRPC connection.
func (s *VectorStoreService) Close() error {
	return s.conn.Close()
}

// ReplaceCollection はコレクションを作り直し、全ベクトルを登録します。
func (s *VectorStoreService) ReplaceCollection(ctx context.Context, collectionName string, names []string, vectors [][]float32) error {
	if len(names) != len(vectors) {
		return fmt.Errorf("names/vectors length mismatch: %d != %d", len(names), len(vectors))
	}
	if len(vectors) == 0 {
		return nil
	}

	res, err := s.qdrantCollectionsClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range res.GetCollections() {
		if c.GetName() == collectionName {
			if _, err := s.qdrantCollectionsClient.Delete(ctx, &qdrant.DeleteCollection{CollectionName: collectionName}); err != nil {
				return fmt.Errorf("delete collection %s: %w", collectionName, err)
			}
			break
		}
	}

	_, err = s.qdrantCollectionsClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(len(vectors[0])),
					Distance: qdrant.Distance_Dot,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collectionName, err)
	}

	waitUpsert := true
	for start := 0; start < len(vectors); start += qdrantUpsertBatch {
		end := start + qdrantUpsertBatch
		if end > len(vectors) {
			end = len(vectors)
		}
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			points = append(points, &qdrant.PointStruct{
				Id: &qdrant.PointId{
					PointIdOptions: &qdrant.PointId_Uuid{Uuid: productPointID(names[i])},
				},
				Vectors: &qdrant.Vectors{
					VectorsOptions: &qdrant.Vectors_Vector{
						Vector: &qdrant.Vector{Data: vectors[i]},
					},
				},
				Payload: map[string]*qdrant.Value{
					"name": {Kind: &qdrant.Value_StringValue{StringValue: names[i]}},
				},
			})
		}
		if _, err := s.qdrantClient.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collectionName,
			Points:         points,
			Wait:           &waitUpsert,
		}); err != nil {
			return fmt.Errorf("upsert %s [%d:%d]: %w", collectionName, start, end, err)
		}
	}

	s.log.Info().Str("collection", collectionName).Int("points", len(vectors)).Msg("qdrant collection rebuilt")
	return nil
}

// Search は内積の高い順に商品名を返します。
func (s *VectorStoreService) Search(ctx context.Context, collectionName string, vector []float32, topK uint64) ([]ScoredName, error) {
	withPayload := true
	searchResult, err := s.qdrantClient.Search(ctx, &qdrant.SearchPoints{
		CollectionName: collectionName,
		Vector:         vector,
		Limit:          topK,
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: withPayload}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	out := make([]ScoredName, 0, len(searchResult.GetResult()))
	for _, p := range searchResult.GetResult() {
		name := getStringFromPayload(p.GetPayload(), "name")
		if name == "" {
			continue
		}
		out = append(out, ScoredName{Name: name, Score: float64(p.GetScore())})
	}
	sortScored(out)
	return out, nil
}

// productPointID derives a stable point id from the product name.
func productPointID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("product:"+name)).String()
}

func getStringFromPayload(payload map[string]*qdrant.Value, key string) string {
	if val, ok := payload[key]; ok && val != nil {
		return val.GetStringValue()
	}
	return ""
}
