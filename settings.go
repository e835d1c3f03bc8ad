package fab

import (
	"io"
	"math"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// KernelKind names a transition kernel.
type KernelKind string

const (
	KernelMetropolis KernelKind = "metropolis"
	KernelMALA       KernelKind = "mala"
	KernelHMC        KernelKind = "hmc"
)

// ScheduleKind names an annealing schedule policy.
type ScheduleKind string

const (
	ScheduleUniform   ScheduleKind = "uniform"
	SchedulePower     ScheduleKind = "power"
	ScheduleGeometric ScheduleKind = "geometric"
)

// EvictionKind names a replay buffer eviction policy.
type EvictionKind string

const (
	EvictFIFO     EvictionKind = "fifo"
	EvictPriority EvictionKind = "priority"
)

// SamplingKind names how entries are drawn from the replay buffer.
type SamplingKind string

const (
	SampleUniform  SamplingKind = "uniform"
	SampleWeighted SamplingKind = "weighted"
)

// LossKind names a training loss.
type LossKind string

const (
	LossSelfNormalized LossKind = "self-normalized"
	LossBufferAdjusted LossKind = "buffer-adjusted"
)

// AdaptSettings controls the per-level step size adaptation of the kernels.
type AdaptSettings struct {
	Enabled bool `yaml:"enabled"`
	// TargetAcceptance is the acceptance rate the step sizes are moved toward.
	TargetAcceptance float64 `yaml:"target_acceptance"`
	MinStepSize      float64 `yaml:"min_step_size"`
	MaxStepSize      float64 `yaml:"max_step_size"`
	// Rate is the gain of the update of the log step size.
	Rate float64 `yaml:"rate"`
}

// Settings collects the options of the AIS bootstrap. The zero value is not
// usable; start from DefaultSettings.
type Settings struct {
	// AnnealingSteps is the number of intermediate distributions K.
	AnnealingSteps int `yaml:"annealing_steps"`
	// StepsPerLevel is the number of kernel moves at each intermediate
	// distribution.
	StepsPerLevel int        `yaml:"steps_per_level"`
	Kernel        KernelKind `yaml:"kernel"`
	// LeapfrogSteps is the number of leapfrog steps of one HMC move.
	LeapfrogSteps int           `yaml:"leapfrog_steps"`
	StepSize      float64       `yaml:"step_size"`
	Adapt         AdaptSettings `yaml:"adapt"`
	Schedule      ScheduleKind  `yaml:"schedule"`
	// ScheduleParam is the exponent of the power schedule, or the first
	// non-zero coefficient of the geometric schedule.
	ScheduleParam float64 `yaml:"schedule_param"`

	BatchSize int `yaml:"batch_size"`

	// BufferCapacity bounds the replay buffer. Zero disables buffering.
	BufferCapacity int `yaml:"buffer_capacity"`
	// BufferMinLength is the number of entries the buffer must hold before
	// it can be sampled.
	BufferMinLength int          `yaml:"buffer_min_length"`
	Eviction        EvictionKind `yaml:"eviction"`
	BufferSampling  SamplingKind `yaml:"buffer_sampling"`

	Mask  MaskPolicy `yaml:"mask"`
	Loss  LossKind   `yaml:"loss"`
	Alpha float64    `yaml:"alpha"`

	// Concurrent is the number of goroutines running chains. If 0, defaults
	// to GOMAXPROCS.
	Concurrent int    `yaml:"concurrent"`
	Seed       uint64 `yaml:"seed"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() Settings {
	return Settings{
		AnnealingSteps: 10,
		StepsPerLevel:  1,
		Kernel:         KernelMetropolis,
		LeapfrogSteps:  5,
		StepSize:       0.5,
		Adapt: AdaptSettings{
			Enabled:          true,
			TargetAcceptance: 0.5,
			MinStepSize:      1e-3,
			MaxStepSize:      10,
			Rate:             0.05,
		},
		Schedule:        ScheduleUniform,
		ScheduleParam:   1,
		BatchSize:       128,
		BufferCapacity:  4096,
		BufferMinLength: 512,
		Eviction:        EvictFIFO,
		BufferSampling:  SampleUniform,
		Mask:            MaskExclude,
		Loss:            LossSelfNormalized,
		Alpha:           2,
		Seed:            1,
	}
}

// LoadSettings reads YAML settings from r on top of DefaultSettings. Unknown
// keys are an error. The result is validated.
func LoadSettings(r io.Reader) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return s, errors.Wrap(err, "fab: decoding settings")
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks that the settings are usable. The returned error wraps
// ErrInvalidConfig.
func (s Settings) Validate() error {
	if s.AnnealingSteps < 1 {
		return invalid("annealing steps must be at least 1, have %d", s.AnnealingSteps)
	}
	if s.StepsPerLevel < 1 {
		return invalid("steps per level must be at least 1, have %d", s.StepsPerLevel)
	}
	switch s.Kernel {
	case KernelMetropolis, KernelMALA:
	case KernelHMC:
		if s.LeapfrogSteps < 1 {
			return invalid("leapfrog steps must be at least 1, have %d", s.LeapfrogSteps)
		}
	default:
		return invalid("unknown kernel %q", s.Kernel)
	}
	if !(s.StepSize > 0) || math.IsInf(s.StepSize, 1) {
		return invalid("step size must be positive and finite, have %v", s.StepSize)
	}
	if s.Adapt.Enabled {
		a := s.Adapt
		if !(a.TargetAcceptance > 0 && a.TargetAcceptance < 1) {
			return invalid("target acceptance must be in (0, 1), have %v", a.TargetAcceptance)
		}
		if !(a.MinStepSize > 0) || !(a.MaxStepSize >= a.MinStepSize) {
			return invalid("step size bounds [%v, %v] are invalid", a.MinStepSize, a.MaxStepSize)
		}
		if !(a.Rate > 0) {
			return invalid("adaptation rate must be positive, have %v", a.Rate)
		}
	}
	switch s.Schedule {
	case ScheduleUniform:
	case SchedulePower:
		if !(s.ScheduleParam > 0) {
			return invalid("power schedule exponent must be positive, have %v", s.ScheduleParam)
		}
	case ScheduleGeometric:
		if !(s.ScheduleParam > 0 && s.ScheduleParam < 1) {
			return invalid("geometric schedule start must be in (0, 1), have %v", s.ScheduleParam)
		}
	default:
		return invalid("unknown schedule %q", s.Schedule)
	}
	if s.BatchSize < 1 {
		return invalid("batch size must be at least 1, have %d", s.BatchSize)
	}
	if s.BufferCapacity < 0 {
		return invalid("buffer capacity must not be negative, have %d", s.BufferCapacity)
	}
	if s.BufferMinLength < 0 || (s.BufferCapacity > 0 && s.BufferMinLength > s.BufferCapacity) {
		return invalid("buffer minimum length %d is outside [0, %d]", s.BufferMinLength, s.BufferCapacity)
	}
	switch s.Eviction {
	case EvictFIFO, EvictPriority:
	default:
		return invalid("unknown eviction policy %q", s.Eviction)
	}
	switch s.BufferSampling {
	case SampleUniform, SampleWeighted:
	default:
		return invalid("unknown buffer sampling %q", s.BufferSampling)
	}
	switch s.Mask {
	case MaskExclude, MaskClip:
	default:
		return invalid("unknown mask policy %d", s.Mask)
	}
	switch s.Loss {
	case LossSelfNormalized:
	case LossBufferAdjusted:
		if math.IsNaN(s.Alpha) || math.IsInf(s.Alpha, 0) {
			return invalid("alpha must be finite, have %v", s.Alpha)
		}
		// The loss ignores the log weights, so entries must be drawn in
		// proportion to them.
		if s.BufferCapacity == 0 || s.BufferSampling != SampleWeighted {
			return invalid("loss %q needs an enabled buffer with %q sampling", s.Loss, SampleWeighted)
		}
	default:
		return invalid("unknown loss %q", s.Loss)
	}
	if s.Concurrent < 0 {
		return invalid("concurrent must not be negative, have %d", s.Concurrent)
	}
	return nil
}

// NewLoss returns the Loss named by the settings.
func (s Settings) NewLoss() Loss {
	if s.Loss == LossBufferAdjusted {
		return BufferAdjusted{Alpha: s.Alpha, Mask: s.Mask}
	}
	return SelfNormalized{Mask: s.Mask}
}

// UnmarshalYAML reads a mask policy from its name.
func (m *MaskPolicy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	switch name {
	case "exclude":
		*m = MaskExclude
	case "clip":
		*m = MaskClip
	default:
		return invalid("unknown mask policy %q", name)
	}
	return nil
}

// MarshalYAML writes a mask policy as its name.
func (m MaskPolicy) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}
