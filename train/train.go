// package train runs the training loop of a flow with AIS bootstrapping.
// Each step draws a weighted batch with AIS, builds the loss batch from fresh
// and buffered samples, stores the fresh batch in the replay buffer, and takes
// a gradient step on the flow parameters.
package train

import (
	"context"
	"io"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/btracey/fab"
	"github.com/btracey/fab/ais"
	"github.com/btracey/fab/buffer"
)

// Settings controls the optimizer and the batch mixing.
type Settings struct {
	LearningRate float64 `yaml:"learning_rate"`
	// MaxGradNorm clips the Euclidean norm of the gradient. Zero disables
	// clipping.
	MaxGradNorm float64 `yaml:"max_grad_norm"`
	// BufferFraction is the share of the loss batch drawn from the replay
	// buffer. The rest is taken from the fresh AIS batch. If the buffer
	// cannot supply its share, the fresh batch is used alone. It is ignored
	// for fab.BufferAdjusted, which trains on buffered entries only.
	BufferFraction float64 `yaml:"buffer_fraction"`
	// BatchSize is the number of AIS chains per step.
	BatchSize int `yaml:"batch_size"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		LearningRate: 1e-2,
		MaxGradNorm:  100,
		BatchSize:    128,
	}
}

func (s Settings) Validate() error {
	if !(s.LearningRate > 0) || math.IsInf(s.LearningRate, 1) {
		return errors.Wrapf(fab.ErrInvalidConfig, "train: learning rate must be positive and finite, have %v", s.LearningRate)
	}
	if !(s.MaxGradNorm >= 0) {
		return errors.Wrapf(fab.ErrInvalidConfig, "train: negative gradient clip %v", s.MaxGradNorm)
	}
	if !(s.BufferFraction >= 0 && s.BufferFraction <= 1) {
		return errors.Wrapf(fab.ErrInvalidConfig, "train: buffer fraction %v is outside [0, 1]", s.BufferFraction)
	}
	if s.BatchSize < 1 {
		return errors.Wrapf(fab.ErrInvalidConfig, "train: batch size must be at least 1, have %d", s.BatchSize)
	}
	return nil
}

// SkipReason says why a step did not update the flow.
type SkipReason int

const (
	NotSkipped SkipReason = iota
	// DegenerateBatch means the AIS or loss batch had no usable entry.
	DegenerateBatch
	NonFiniteLoss
	NonFiniteGradient
	// BufferUnderflow means a loss that trains on buffered entries only
	// found too few of them.
	BufferUnderflow
	// Aborted means the AIS run returned an error, usually a cancelled
	// context.
	Aborted
)

func (r SkipReason) String() string {
	switch r {
	case NotSkipped:
		return "none"
	case DegenerateBatch:
		return "degenerate_batch"
	case NonFiniteLoss:
		return "non_finite_loss"
	case NonFiniteGradient:
		return "non_finite_gradient"
	case BufferUnderflow:
		return "buffer_underflow"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Report describes one training step.
type Report struct {
	Iteration int
	Loss      float64
	// GradNorm is the gradient norm before clipping.
	GradNorm float64
	Clipped  bool
	// Fresh and Buffered count the entries of the loss batch taken from the
	// AIS run and from the replay buffer. Inserted is the number of AIS
	// entries stored in the buffer.
	Fresh      int
	Buffered   int
	Inserted   int
	BufferSize int

	Skipped    bool
	SkipReason SkipReason

	AIS *ais.Diagnostics
}

// Observer receives the report of every training step.
type Observer interface {
	ObserveStep(r *Report)
}

// Trainer trains Model, which must be the flow the Sampler draws from. Buffer
// may be nil to train on fresh samples only, except with fab.BufferAdjusted,
// which needs a buffer with buffer.Weighted sampling. Step must not be called
// concurrently.
type Trainer struct {
	Sampler  *ais.Sampler
	Buffer   *buffer.Buffer
	Loss     fab.Loss
	Model    fab.Trainable
	Settings Settings

	Logger   logrus.FieldLogger
	Observer Observer

	iter int
}

func (t *Trainer) logger() logrus.FieldLogger {
	if t.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		t.Logger = l
	}
	return t.Logger
}

// Step runs one training iteration. A batch without usable entries, a
// non-finite loss or a non-finite gradient skips the parameter update; the
// skip is reported and does not return an error. Errors are returned for
// invalid settings and a cancelled context.
func (t *Trainer) Step(ctx context.Context, src rand.Source) (*Report, error) {
	if err := t.Settings.Validate(); err != nil {
		return nil, err
	}
	if t.Sampler == nil || t.Loss == nil || t.Model == nil {
		return nil, errors.Wrap(fab.ErrInvalidConfig, "train: missing sampler, loss or model")
	}
	if bufferOnly(t.Loss) {
		if t.Buffer == nil {
			return nil, errors.Wrap(fab.ErrInvalidConfig, "train: buffer-adjusted loss without a buffer")
		}
		if _, ok := t.Buffer.Sampling().(buffer.Weighted); !ok {
			return nil, errors.Wrap(fab.ErrInvalidConfig, "train: buffer-adjusted loss needs weighted buffer sampling")
		}
	}
	r := &Report{Iteration: t.iter}
	t.iter++
	defer t.finish(r)

	batch, d, err := t.Sampler.Sample(ctx, t.Settings.BatchSize, src)
	r.AIS = d
	if errors.Is(err, fab.ErrBatchDegenerate) {
		r.skip(DegenerateBatch)
		return r, nil
	}
	if err != nil {
		r.skip(Aborted)
		return r, err
	}
	// The buffered share is drawn before the fresh batch is stored so the
	// loss batch holds no entry twice.
	lb := t.lossBatch(batch, src, r)
	if t.Buffer != nil {
		r.Inserted = t.Buffer.Insert(batch)
	}
	if lb == nil {
		r.skip(BufferUnderflow)
		return r, nil
	}
	grad := make([]float64, t.Model.NumParameters())
	loss, err := t.Loss.Loss(lb, t.Model, grad)
	r.Loss = loss
	switch {
	case errors.Is(err, fab.ErrBatchDegenerate):
		r.skip(DegenerateBatch)
		return r, nil
	case err != nil:
		r.skip(Aborted)
		return r, err
	case math.IsNaN(loss) || math.IsInf(loss, 0):
		r.skip(NonFiniteLoss)
		return r, nil
	}
	r.GradNorm = floats.Norm(grad, 2)
	if math.IsNaN(r.GradNorm) || math.IsInf(r.GradNorm, 0) {
		r.skip(NonFiniteGradient)
		return r, nil
	}
	if limit := t.Settings.MaxGradNorm; limit > 0 && r.GradNorm > limit {
		floats.Scale(limit/r.GradNorm, grad)
		r.Clipped = true
	}
	p := t.Model.Parameters(nil)
	floats.AddScaled(p, -t.Settings.LearningRate, grad)
	t.Model.SetParameters(p)
	return r, nil
}

func (r *Report) skip(reason SkipReason) {
	r.Skipped = true
	r.SkipReason = reason
}

// lossBatch mixes the fresh batch and a buffered batch according to
// BufferFraction. For a loss that trains on buffered entries only, the whole
// batch comes from the buffer and lossBatch returns nil if it cannot be drawn.
func (t *Trainer) lossBatch(fresh *fab.WeightedBatch, src rand.Source, r *Report) *fab.WeightedBatch {
	n := fresh.Len()
	if bufferOnly(t.Loss) {
		if !t.Buffer.CanSample(n) {
			return nil
		}
		buffered, err := t.Buffer.Sample(n, src)
		if err != nil {
			return nil
		}
		r.Buffered = n
		return buffered
	}
	nBuf := int(math.Round(t.Settings.BufferFraction * float64(n)))
	if t.Buffer == nil || nBuf == 0 || !t.Buffer.CanSample(nBuf) {
		r.Fresh = n
		return fresh
	}
	buffered, err := t.Buffer.Sample(nBuf, src)
	if err != nil {
		r.Fresh = n
		return fresh
	}
	r.Fresh = n - nBuf
	r.Buffered = nBuf
	return fab.Concat(head(fresh, n-nBuf), buffered)
}

// bufferOnly reports whether l assumes its entries were drawn in proportion
// to their importance weights.
func bufferOnly(l fab.Loss) bool {
	switch l.(type) {
	case fab.BufferAdjusted, *fab.BufferAdjusted:
		return true
	}
	return false
}

// head returns a view of the first n entries of b.
func head(b *fab.WeightedBatch, n int) *fab.WeightedBatch {
	if n == 0 {
		return nil
	}
	return &fab.WeightedBatch{
		X:          b.X.Slice(0, n, 0, b.Dim()).(*mat.Dense),
		LogWeights: b.LogWeights[:n],
		LogQ:       b.LogQ[:n],
		Flagged:    b.Flagged[:n],
	}
}

func (t *Trainer) finish(r *Report) {
	if t.Buffer != nil {
		r.BufferSize = t.Buffer.Len()
	}
	fields := logrus.Fields{
		"action":      "train_step",
		"iteration":   r.Iteration,
		"loss":        r.Loss,
		"buffer_size": r.BufferSize,
	}
	if r.AIS != nil {
		fields["ess"] = r.AIS.ESS
	}
	if r.Skipped {
		t.logger().WithFields(fields).WithField("reason", r.SkipReason.String()).Warn("training step skipped")
	} else {
		t.logger().WithFields(fields).Info("training step")
	}
	if t.Observer != nil {
		t.Observer.ObserveStep(r)
	}
}
