package recognize

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-ocr/internal/apperr"
)

// Gate bounds the number of concurrent calls into a Recognizer. Engines that
// hold a single model instance are not safe for simultaneous inference, so
// the default width is one.
type Gate struct {
	next Recognizer
	sem  *semaphore.Weighted
	size int64
}

func NewGate(next Recognizer, size int) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{next: next, sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

func (g *Gate) Name() string { return g.next.Name() }

// Recognize waits for a free slot, honouring ctx, then calls the engine.
func (g *Gate) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Recognition{}, apperr.Wrap(apperr.KindTimeout, "wait for recognizer", err)
	}
	defer g.sem.Release(1)
	return g.next.Recognize(ctx, imagePath)
}

// Ready reports whether the wrapped engine can serve requests. Engines that
// cannot tell are assumed ready.
func (g *Gate) Ready(ctx context.Context) error {
	if c, ok := g.next.(Checker); ok {
		return c.Ready(ctx)
	}
	return nil
}

// Width is the maximum number of concurrent calls.
func (g *Gate) Width() int { return int(g.size) }
