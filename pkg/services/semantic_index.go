package services

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

var vectorFileMagic = [4]byte{'P', 'A', 'V', '2'}

const (
	vectorHeaderSize = 14
	maxVectorDims    = 8192
	maxModelNameLen  = 1024
)

// ErrIndexMismatch is returned when a persisted semantic index was built by a
// different embedding model or vector width than the current provider.
var ErrIndexMismatch = errors.New("semantic index built with a different embedding model")

// SemanticIndex は単位ベクトル化した埋め込みと商品名・文書を同じ順序で保持します。
type SemanticIndex struct {
	Model   string
	Names   []string
	Texts   []string
	Vectors [][]float32
}

// Len returns the number of indexed products.
func (s *SemanticIndex) Len() int { return len(s.Names) }

// Dims returns the vector width, or 0 for an empty index.
func (s *SemanticIndex) Dims() int {
	if len(s.Vectors) == 0 {
		return 0
	}
	return len(s.Vectors[0])
}

// BuildSemanticIndex encodes texts with the embedder.
func BuildSemanticIndex(ctx context.Context, emb *LazyEmbedder, names, texts []string) (*SemanticIndex, error) {
	if len(names) != len(texts) {
		return nil, fmt.Errorf("names/texts length mismatch: %d != %d", len(names), len(texts))
	}
	vectors, err := emb.Encode(ctx, texts)
	if err != nil {
		return nil, err
	}
	return &SemanticIndex{
		Model:   emb.Model(),
		Names:   append([]string(nil), names...),
		Texts:   append([]string(nil), texts...),
		Vectors: vectors,
	}, nil
}

// Matches reports whether the index was built by the given model at the given width.
func (s *SemanticIndex) Matches(model string, dims int) bool {
	return s.Model == model && s.Dims() == dims
}

// Search はクエリベクトルとの内積で上位topK件（minScore以上）を返します。
func (s *SemanticIndex) Search(query []float32, topK int, minScore float64) []ScoredName {
	out := make([]ScoredName, 0, topK)
	for i, v := range s.Vectors {
		score := dot(query, v)
		if score >= minScore {
			out = append(out, ScoredName{Name: s.Names[i], Score: score})
		}
	}
	sortScored(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func semanticPaths(dir, prefix string) (vectors, names, texts string) {
	return filepath.Join(dir, prefix+"_vectors.bin"),
		filepath.Join(dir, prefix+"_names.json"),
		filepath.Join(dir, prefix+"_texts.json")
}

// Save writes the vectors, names and texts files.
func (s *SemanticIndex) Save(dir, prefix string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	vecPath, namesPath, textsPath := semanticPaths(dir, prefix)

	if len(s.Model) > maxModelNameLen {
		return fmt.Errorf("model name too long: %d bytes", len(s.Model))
	}
	buf := make([]byte, vectorHeaderSize, vectorHeaderSize+len(s.Model)+len(s.Vectors)*s.Dims()*4)
	copy(buf[0:4], vectorFileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(s.Vectors)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(s.Dims()))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(s.Model)))
	buf = append(buf, s.Model...)
	for _, v := range s.Vectors {
		for _, x := range v {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
		}
	}
	if err := writeFileAtomic(vecPath, buf, 0o644); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}

	names, _ := json.Marshal(s.Names)
	if err := writeFileAtomic(namesPath, names, 0o644); err != nil {
		return fmt.Errorf("write names: %w", err)
	}
	texts, _ := json.Marshal(s.Texts)
	if err := writeFileAtomic(textsPath, texts, 0o644); err != nil {
		return fmt.Errorf("write texts: %w", err)
	}
	return nil
}

// LoadSemanticIndex reads a persisted index. The three files must agree on
// length and the vector file size must match its header.
func LoadSemanticIndex(dir, prefix string) (*SemanticIndex, error) {
	vecPath, namesPath, textsPath := semanticPaths(dir, prefix)

	var idx SemanticIndex
	data, err := os.ReadFile(namesPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &idx.Names); err != nil {
		return nil, fmt.Errorf("decode names: %w", err)
	}
	data, err = os.ReadFile(textsPath)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &idx.Texts); err != nil {
		return nil, fmt.Errorf("decode texts: %w", err)
	}

	f, err := os.Open(vecPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)

	var header [vectorHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read vector header: %w", err)
	}
	if [4]byte(header[0:4]) != vectorFileMagic {
		return nil, errors.New("vector file has wrong magic")
	}
	count := int(binary.LittleEndian.Uint32(header[4:8]))
	dims := int(binary.LittleEndian.Uint32(header[8:12]))
	modelLen := int(binary.LittleEndian.Uint16(header[12:14]))
	if count != len(idx.Names) || count != len(idx.Texts) {
		return nil, fmt.Errorf("semantic index length mismatch: vectors=%d names=%d texts=%d", count, len(idx.Names), len(idx.Texts))
	}
	if dims <= 0 || dims > maxVectorDims || modelLen > maxModelNameLen {
		return nil, fmt.Errorf("semantic index header out of range: dims=%d model=%d bytes", dims, modelLen)
	}
	if want := int64(vectorHeaderSize + modelLen + count*dims*4); info.Size() != want {
		return nil, fmt.Errorf("vector file is %d bytes, header implies %d", info.Size(), want)
	}

	model := make([]byte, modelLen)
	if _, err := io.ReadFull(r, model); err != nil {
		return nil, fmt.Errorf("read model name: %w", err)
	}
	idx.Model = string(model)

	idx.Vectors = make([][]float32, count)
	raw := make([]byte, dims*4)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		v := make([]float32, dims)
		for j := 0; j < dims; j++ {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}
		idx.Vectors[i] = v
	}
	return &idx, nil
}
