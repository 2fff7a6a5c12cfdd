package strand

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Sampler decides, once per trace, whether its spans are recorded and
// exported. It is consulted at root-span creation only; descendants
// inherit the decision. Implementations must be safe for concurrent use
// and must never block on I/O, since IsSampled sits on the span-creation
// hot path.
type Sampler interface {
	// IsSampled returns the decision for a new trace plus the tags that
	// describe how the decision was made (attached to the root span when
	// sampled).
	IsSampled(id TraceID, operation string) (bool, []Tag)

	// Close releases sampler resources, e.g. a remote polling loop.
	Close() error
}

const (
	samplerTypeConst         = "const"
	samplerTypeProbabilistic = "probabilistic"
	samplerTypeRateLimiting  = "ratelimiting"
	samplerTypeLowerBound    = "lowerbound"
)

// ConstSampler samples every trace or none.
type ConstSampler struct {
	decision bool
	tags     []Tag
}

// NewConstSampler creates a sampler with a fixed decision.
func NewConstSampler(decision bool) *ConstSampler {
	return &ConstSampler{
		decision: decision,
		tags: []Tag{
			String(TagSamplerType, samplerTypeConst),
			Bool(TagSamplerParam, decision),
		},
	}
}

// IsSampled implements Sampler.
func (s *ConstSampler) IsSampled(TraceID, string) (bool, []Tag) {
	return s.decision, s.tags
}

// Close implements Sampler.
func (s *ConstSampler) Close() error { return nil }

// samplingMask limits the comparison to 63 bits so the boundary always
// fits a float64-derived uint64 exactly.
const samplingMask = ^(uint64(1) << 63)

// ProbabilisticSampler samples each trace with a fixed probability. The
// decision is a deterministic threshold test against the uniformly
// distributed low bits of the trace ID, so wherever the same ID is seen
// the same decision falls out.
type ProbabilisticSampler struct {
	rate     float64
	boundary uint64
	tags     []Tag
}

// NewProbabilisticSampler creates a sampler with rate p in [0, 1].
func NewProbabilisticSampler(p float64) (*ProbabilisticSampler, error) {
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("sampling rate must be between 0 and 1, got %v", p)
	}
	s := &ProbabilisticSampler{}
	s.init(p)
	return s, nil
}

func (s *ProbabilisticSampler) init(p float64) {
	s.rate = p
	if p >= 1 {
		s.boundary = math.MaxUint64
	} else {
		s.boundary = uint64(p * float64(samplingMask))
	}
	s.tags = []Tag{
		String(TagSamplerType, samplerTypeProbabilistic),
		Float64(TagSamplerParam, p),
	}
}

// SamplingRate returns the configured probability.
func (s *ProbabilisticSampler) SamplingRate() float64 { return s.rate }

// IsSampled implements Sampler.
func (s *ProbabilisticSampler) IsSampled(id TraceID, _ string) (bool, []Tag) {
	return id.Low&samplingMask < s.boundary, s.tags
}

// Close implements Sampler.
func (s *ProbabilisticSampler) Close() error { return nil }

// RateLimitingSampler bounds sampled traces per second with a token
// bucket, capping tracing overhead during traffic spikes regardless of
// request volume.
type RateLimitingSampler struct {
	maxPerSecond float64
	limiter      *rate.Limiter
	tags         []Tag
}

// NewRateLimitingSampler creates a sampler admitting at most
// maxPerSecond traces per second.
func NewRateLimitingSampler(maxPerSecond float64) *RateLimitingSampler {
	s := &RateLimitingSampler{}
	s.init(maxPerSecond)
	return s
}

func (s *RateLimitingSampler) init(maxPerSecond float64) {
	burst := 1
	if maxPerSecond > 1 {
		burst = int(math.Ceil(maxPerSecond))
	}
	s.maxPerSecond = maxPerSecond
	s.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), burst)
	s.tags = []Tag{
		String(TagSamplerType, samplerTypeRateLimiting),
		Float64(TagSamplerParam, maxPerSecond),
	}
}

// IsSampled implements Sampler.
func (s *RateLimitingSampler) IsSampled(TraceID, string) (bool, []Tag) {
	return s.limiter.Allow(), s.tags
}

// Close implements Sampler.
func (s *RateLimitingSampler) Close() error { return nil }

// guaranteedThroughputSampler combines a probabilistic sampler with a
// lower-bound rate limiter: traces that lose the probabilistic draw are
// still admitted up to the lower-bound rate, so low-traffic operations
// keep producing some data.
type guaranteedThroughputSampler struct {
	probabilistic *ProbabilisticSampler
	lowerBound    *RateLimitingSampler
	lowerTags     []Tag
}

func newGuaranteedThroughputSampler(samplingRate, lowerBound float64) (*guaranteedThroughputSampler, error) {
	probabilistic, err := NewProbabilisticSampler(samplingRate)
	if err != nil {
		return nil, err
	}
	return &guaranteedThroughputSampler{
		probabilistic: probabilistic,
		lowerBound:    NewRateLimitingSampler(lowerBound),
		lowerTags: []Tag{
			String(TagSamplerType, samplerTypeLowerBound),
			Float64(TagSamplerParam, samplingRate),
		},
	}, nil
}

func (s *guaranteedThroughputSampler) IsSampled(id TraceID, operation string) (bool, []Tag) {
	if sampled, tags := s.probabilistic.IsSampled(id, operation); sampled {
		// Drain a lower-bound token too so the guaranteed rate is a
		// floor on total throughput, not an addition to it.
		s.lowerBound.IsSampled(id, operation)
		return true, tags
	}
	if sampled, _ := s.lowerBound.IsSampled(id, operation); sampled {
		return true, s.lowerTags
	}
	return false, s.lowerTags
}

func (s *guaranteedThroughputSampler) update(samplingRate, lowerBound float64) {
	if samplingRate != s.probabilistic.rate {
		s.probabilistic.init(samplingRate)
		s.lowerTags = []Tag{
			String(TagSamplerType, samplerTypeLowerBound),
			Float64(TagSamplerParam, samplingRate),
		}
	}
	if lowerBound != s.lowerBound.maxPerSecond {
		s.lowerBound.init(lowerBound)
	}
}

// PerOperationSamplerParams configures NewPerOperationSampler.
type PerOperationSamplerParams struct {
	// MaxOperations bounds how many distinct operations get dedicated
	// samplers; operations beyond the cap fall back to the default.
	MaxOperations int

	// DefaultSamplingProbability applies to operations without an
	// explicit strategy.
	DefaultSamplingProbability float64

	// LowerBoundTracesPerSecond guarantees a minimum sampling rate per
	// operation.
	LowerBoundTracesPerSecond float64
}

// PerOperationSampler keeps an independent guaranteed-throughput sampler
// per operation name, with a probabilistic fallback. It is the in-process
// half of adaptive sampling: a RemoteSampler feeds it per-operation
// strategies from the control endpoint.
type PerOperationSampler struct {
	mu sync.RWMutex

	samplers       map[string]*guaranteedThroughputSampler
	defaultSampler *ProbabilisticSampler
	params         PerOperationSamplerParams
}

// NewPerOperationSampler creates an adaptive sampler from params.
func NewPerOperationSampler(params PerOperationSamplerParams) (*PerOperationSampler, error) {
	if params.MaxOperations <= 0 {
		params.MaxOperations = 2000
	}
	defaultSampler, err := NewProbabilisticSampler(params.DefaultSamplingProbability)
	if err != nil {
		return nil, err
	}
	return &PerOperationSampler{
		samplers:       make(map[string]*guaranteedThroughputSampler),
		defaultSampler: defaultSampler,
		params:         params,
	}, nil
}

// IsSampled implements Sampler.
func (s *PerOperationSampler) IsSampled(id TraceID, operation string) (bool, []Tag) {
	s.mu.RLock()
	sampler, ok := s.samplers[operation]
	s.mu.RUnlock()
	if ok {
		return sampler.IsSampled(id, operation)
	}

	s.mu.Lock()
	sampler, ok = s.samplers[operation]
	if !ok && len(s.samplers) < s.params.MaxOperations {
		if created, err := newGuaranteedThroughputSampler(
			s.defaultSampler.SamplingRate(),
			s.params.LowerBoundTracesPerSecond,
		); err == nil {
			s.samplers[operation] = created
			sampler = created
		}
	}
	s.mu.Unlock()

	if sampler != nil {
		return sampler.IsSampled(id, operation)
	}
	return s.defaultSampler.IsSampled(id, operation)
}

// Close implements Sampler.
func (s *PerOperationSampler) Close() error { return nil }

// update applies a remote per-operation strategy set, preserving the
// token buckets of operations that already have samplers.
func (s *PerOperationSampler) update(strategies *perOperationStrategies) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lowerBound := strategies.DefaultLowerBoundTracesPerSecond
	if lowerBound <= 0 {
		lowerBound = s.params.LowerBoundTracesPerSecond
	}
	for _, strategy := range strategies.PerOperationStrategies {
		if strategy.Probabilistic == nil {
			continue
		}
		if existing, ok := s.samplers[strategy.Operation]; ok {
			existing.update(strategy.Probabilistic.SamplingRate, lowerBound)
		} else if len(s.samplers) < s.params.MaxOperations {
			created, err := newGuaranteedThroughputSampler(strategy.Probabilistic.SamplingRate, lowerBound)
			if err != nil {
				continue
			}
			s.samplers[strategy.Operation] = created
		}
	}
	if strategies.DefaultSamplingProbability >= 0 && strategies.DefaultSamplingProbability <= 1 &&
		strategies.DefaultSamplingProbability != s.defaultSampler.SamplingRate() {
		s.defaultSampler.init(strategies.DefaultSamplingProbability)
	}
}
