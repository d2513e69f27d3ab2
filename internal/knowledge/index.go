// Package knowledge is the product knowledge retrieval collaborator. It loads
// plain-text documents from a directory, splits them into overlapping chunks,
// embeds the chunks once and ranks them against a query by cosine similarity.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"crm-agent/internal/domain"
)

const (
	embedBatchSize      = 64
	defaultBuildTimeout = 5 * time.Minute
)

type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type chunk struct {
	source string
	text   string
	vector []float32
}

type Index struct {
	dir          string
	embedder     Embedder
	splitter     Splitter
	topK         int
	buildTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	built    bool
	chunks   []chunk
	building *buildAttempt
}

// buildAttempt is one in-flight corpus build. err is written before done
// is closed.
type buildAttempt struct {
	done chan struct{}
	err  error
}

type Option func(*Index)

func WithTopK(k int) Option {
	return func(ix *Index) {
		if k > 0 {
			ix.topK = k
		}
	}
}

func WithSplitter(s Splitter) Option {
	return func(ix *Index) {
		ix.splitter = s
	}
}

// WithBuildTimeout bounds one corpus build. It is independent of the
// deadline of the search that triggered it.
func WithBuildTimeout(d time.Duration) Option {
	return func(ix *Index) {
		if d > 0 {
			ix.buildTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

func NewIndex(dir string, embedder Embedder, opts ...Option) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("knowledge: embedder must not be nil")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("knowledge: document directory must not be empty")
	}
	ix := &Index{
		dir:          dir,
		embedder:     embedder,
		splitter:     DefaultSplitter(),
		topK:         3,
		buildTimeout: defaultBuildTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix, nil
}

// Search returns up to topK passages ordered by descending similarity. An
// empty knowledge base yields an empty result, not an error.
func (ix *Index) Search(ctx context.Context, query string) ([]domain.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	chunks, err := ix.ensureBuilt(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("knowledge: embed query: got %d vectors", len(vectors))
	}

	passages := make([]domain.Passage, 0, len(chunks))
	for _, c := range chunks {
		passages = append(passages, domain.Passage{
			Source: c.source,
			Text:   c.text,
			Score:  cosine(vectors[0], c.vector),
		})
	}
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if len(passages) > ix.topK {
		passages = passages[:ix.topK]
	}
	return passages, nil
}

// Warm starts building the index in the background so the first search
// does not pay for it.
func (ix *Index) Warm(ctx context.Context) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.built {
		ix.startBuildLocked(ctx)
	}
}

// ensureBuilt returns the embedded corpus, starting a build when none is
// running. The build outlives ctx; the caller only waits as long as ctx
// allows. A failed build is retried on the next search.
func (ix *Index) ensureBuilt(ctx context.Context) ([]chunk, error) {
	ix.mu.Lock()
	if ix.built {
		chunks := ix.chunks
		ix.mu.Unlock()
		return chunks, nil
	}
	attempt := ix.startBuildLocked(ctx)
	ix.mu.Unlock()

	select {
	case <-attempt.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("knowledge: index not ready: %w", ctx.Err())
	}
	if attempt.err != nil {
		return nil, attempt.err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.chunks, nil
}

// startBuildLocked joins the running build or starts one. ix.mu must be held.
func (ix *Index) startBuildLocked(ctx context.Context) *buildAttempt {
	if ix.building != nil {
		return ix.building
	}
	attempt := &buildAttempt{done: make(chan struct{})}
	ix.building = attempt
	go ix.build(context.WithoutCancel(ctx), attempt)
	return attempt
}

func (ix *Index) build(ctx context.Context, attempt *buildAttempt) {
	ctx, cancel := context.WithTimeout(ctx, ix.buildTimeout)
	defer cancel()

	chunks, err := ix.embedCorpus(ctx)

	ix.mu.Lock()
	if err == nil {
		ix.chunks = chunks
		ix.built = true
		ix.logger.Info("knowledge index built", "dir", ix.dir, "chunks", len(chunks))
	} else {
		ix.logger.Warn("knowledge index build failed", "dir", ix.dir, "err", err)
	}
	ix.building = nil
	attempt.err = err
	ix.mu.Unlock()
	close(attempt.done)
}

func (ix *Index) embedCorpus(ctx context.Context) ([]chunk, error) {
	chunks, err := ix.load()
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		inputs := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			inputs = append(inputs, c.text)
		}
		vectors, err := ix.embedder.Embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("knowledge: embed documents: %w", err)
		}
		if len(vectors) != len(inputs) {
			return nil, fmt.Errorf("knowledge: embed documents: got %d vectors for %d inputs", len(vectors), len(inputs))
		}
		for i, v := range vectors {
			chunks[start+i].vector = v
		}
	}
	return chunks, nil
}

func (ix *Index) load() ([]chunk, error) {
	var chunks []chunk
	err := filepath.WalkDir(ix.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		source := filepath.Base(path)
		for _, text := range ix.splitter.Split(string(raw)) {
			chunks = append(chunks, chunk{source: source, text: text})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		ix.logger.Warn("knowledge directory missing, serving empty index", "dir", ix.dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load documents: %w", err)
	}
	return chunks, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
