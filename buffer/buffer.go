// package buffer implements a bounded replay buffer of weighted AIS samples.
// Samples produced by earlier AIS runs are kept so that later training steps
// can reuse them instead of paying for a fresh run.
package buffer

import (
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/btracey/fab"
)

// Entry is a stored sample.
type Entry struct {
	X         []float64
	LogWeight float64
	// LogQ is the flow log density at X when the sample was produced.
	LogQ float64
	// Seq is the insertion order of the entry, starting from zero.
	Seq  uint64
	Time time.Time
}

// Buffer is a replay buffer with a fixed capacity. When an insertion takes
// the buffer over capacity the eviction policy chooses the entries to drop.
// It is safe for concurrent use; every operation acts on whole batches.
type Buffer struct {
	capacity  int
	minLength int
	eviction  Eviction
	sampling  Sampling
	logger    logrus.FieldLogger
	now       func() time.Time

	mu      sync.RWMutex
	entries []Entry // in insertion order
	dim     int
	seq     uint64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithEviction sets the eviction policy. The default is FIFO.
func WithEviction(e Eviction) Option {
	return func(b *Buffer) { b.eviction = e }
}

// WithSampling sets the sampling policy. The default is Uniform.
func WithSampling(s Sampling) Option {
	return func(b *Buffer) { b.sampling = s }
}

// WithMinLength sets the number of entries the buffer must hold before it can
// be sampled from.
func WithMinLength(n int) Option {
	return func(b *Buffer) { b.minLength = n }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Buffer) { b.logger = l }
}

// New returns an empty buffer holding at most capacity entries. A capacity of
// zero disables the buffer: nothing is stored and sampling always underflows.
func New(capacity int, opts ...Option) (*Buffer, error) {
	if capacity < 0 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "buffer: negative capacity %d", capacity)
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	b := &Buffer{
		capacity: capacity,
		eviction: FIFO{},
		sampling: Uniform{},
		logger:   l,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.minLength < 0 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "buffer: negative minimum length %d", b.minLength)
	}
	if b.eviction == nil || b.sampling == nil {
		return nil, errors.Wrap(fab.ErrInvalidConfig, "buffer: nil policy")
	}
	return b, nil
}

// FromSettings returns a buffer with the capacity, minimum length and
// policies named in the settings. The options are applied after the settings.
func FromSettings(s fab.Settings, opts ...Option) (*Buffer, error) {
	var pre []Option
	switch s.Eviction {
	case fab.EvictFIFO, "":
		pre = append(pre, WithEviction(FIFO{}))
	case fab.EvictPriority:
		pre = append(pre, WithEviction(Priority{}))
	default:
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "buffer: unknown eviction %q", s.Eviction)
	}
	switch s.BufferSampling {
	case fab.SampleUniform, "":
		pre = append(pre, WithSampling(Uniform{}))
	case fab.SampleWeighted:
		pre = append(pre, WithSampling(Weighted{}))
	default:
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "buffer: unknown sampling %q", s.BufferSampling)
	}
	pre = append(pre, WithMinLength(s.BufferMinLength))
	return New(s.BufferCapacity, append(pre, opts...)...)
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Cap returns the capacity of the buffer.
func (b *Buffer) Cap() int {
	return b.capacity
}

// MinLength returns the minimum number of entries needed to sample.
func (b *Buffer) MinLength() int {
	return b.minLength
}

// Sampling returns the sampling policy.
func (b *Buffer) Sampling() Sampling {
	return b.sampling
}

// Clear removes every entry. The sequence numbers keep counting.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.dim = 0
}

// CanSample returns whether a batch of the given size can be sampled.
func (b *Buffer) CanSample(batchSize int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkSize(batchSize) == nil
}

func (b *Buffer) checkSize(need int) error {
	n := len(b.entries)
	if n < need || n < b.minLength || n == 0 {
		return errors.Wrapf(fab.ErrBufferUnderflow, "buffer: have %d entries, need %d (minimum %d)", n, need, b.minLength)
	}
	return nil
}

// Entries returns a copy of the stored entries in insertion order.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = e
		out[i].X = append([]float64(nil), e.X...)
	}
	return out
}

// Insert copies the entries of the batch into the buffer and returns the
// number stored. Flagged entries are skipped. If the buffer goes over capacity
// the eviction policy removes entries until it is at capacity. Insert panics
// if the batch dimension differs from the stored samples.
func (b *Buffer) Insert(batch *fab.WeightedBatch) int {
	if batch.Len() == 0 || b.capacity == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dim := batch.Dim()
	if len(b.entries) == 0 {
		b.dim = dim
	}
	if dim != b.dim {
		panic("buffer: dimension mismatch")
	}

	now := b.now()
	var stored, skipped int
	for i := 0; i < batch.Len(); i++ {
		if batch.Flagged[i] {
			skipped++
			continue
		}
		b.entries = append(b.entries, Entry{
			X:         append([]float64(nil), batch.Sample(i)...),
			LogWeight: batch.LogWeights[i],
			LogQ:      batch.LogQ[i],
			Seq:       b.seq,
			Time:      now,
		})
		b.seq++
		stored++
	}

	var evicted int
	if excess := len(b.entries) - b.capacity; excess > 0 {
		victims := b.eviction.Victims(b.entries, excess)
		if len(victims) != excess {
			panic("buffer: eviction policy returned the wrong number of entries")
		}
		b.entries = remove(b.entries, victims)
		evicted = excess
	}
	if skipped > 0 || evicted > 0 {
		b.logger.WithFields(logrus.Fields{
			"action":  "buffer_insert",
			"stored":  stored,
			"skipped": skipped,
			"evicted": evicted,
			"size":    len(b.entries),
		}).Debug("replay buffer updated")
	}
	return stored
}

// remove deletes the entries at the given indices, keeping the order of the
// remaining entries.
func remove(entries []Entry, idx []int) []Entry {
	drop := make([]bool, len(entries))
	for _, i := range idx {
		drop[i] = true
	}
	kept := entries[:0]
	for i, e := range entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = Entry{}
	}
	return kept
}

// Sample draws batchSize distinct entries with the sampling policy and returns
// copies of them as a batch. The error wraps fab.ErrBufferUnderflow if the
// buffer holds fewer than batchSize entries or fewer than the minimum length.
func (b *Buffer) Sample(batchSize int, src rand.Source) (*fab.WeightedBatch, error) {
	bs, err := b.SampleBatches(batchSize, 1, src)
	if err != nil {
		return nil, err
	}
	return bs[0], nil
}

// SampleBatches draws n disjoint batches of batchSize entries in a single draw
// without replacement.
func (b *Buffer) SampleBatches(batchSize, n int, src rand.Source) ([]*fab.WeightedBatch, error) {
	if batchSize < 1 || n < 1 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "buffer: cannot sample %d batches of %d", n, batchSize)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.checkSize(batchSize * n); err != nil {
		return nil, err
	}
	idx := b.sampling.Choose(b.entries, batchSize*n, src)
	if len(idx) != batchSize*n {
		panic("buffer: sampling policy returned the wrong number of entries")
	}
	out := make([]*fab.WeightedBatch, n)
	for j := range out {
		wb := fab.NewWeightedBatch(batchSize, b.dim)
		for i, k := range idx[j*batchSize : (j+1)*batchSize] {
			e := b.entries[k]
			wb.X.SetRow(i, e.X)
			wb.LogWeights[i] = e.LogWeight
			wb.LogQ[i] = e.LogQ
		}
		out[j] = wb
	}
	return out, nil
}
