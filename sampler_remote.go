package strand

import (
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultSamplingEndpoint        = "http://localhost:5778/sampling"
	defaultSamplingRefreshInterval = 60 * time.Second
	defaultSamplingFetchTimeout    = 10 * time.Second
	defaultRemoteSamplingRate      = 0.001
)

// Strategy payload returned by the sampling control endpoint.
type strategyResponse struct {
	StrategyType      string                  `json:"strategyType"`
	Probabilistic     *probabilisticStrategy  `json:"probabilisticSampling"`
	RateLimiting      *rateLimitingStrategy   `json:"rateLimitingSampling"`
	OperationSampling *perOperationStrategies `json:"operationSampling"`
}

type probabilisticStrategy struct {
	SamplingRate float64 `json:"samplingRate"`
}

type rateLimitingStrategy struct {
	MaxTracesPerSecond float64 `json:"maxTracesPerSecond"`
}

type perOperationStrategies struct {
	DefaultSamplingProbability       float64             `json:"defaultSamplingProbability"`
	DefaultLowerBoundTracesPerSecond float64             `json:"defaultLowerBoundTracesPerSecond"`
	PerOperationStrategies           []operationStrategy `json:"perOperationStrategies"`
}

type operationStrategy struct {
	Operation     string                 `json:"operation"`
	Probabilistic *probabilisticStrategy `json:"probabilisticSampling"`
}

const (
	strategyTypeProbabilistic = "PROBABILISTIC"
	strategyTypeRateLimiting  = "RATE_LIMITING"
)

// RemoteSamplerOption configures a RemoteSampler.
type RemoteSamplerOption func(*remoteSamplerOptions)

type remoteSamplerOptions struct {
	endpoint        string
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	initial         Sampler
	logger          *zap.Logger
	metrics         *Metrics
	maxOperations   int
}

// WithSamplingEndpoint sets the URL of the sampling control endpoint.
func WithSamplingEndpoint(url string) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.endpoint = url }
}

// WithSamplingRefreshInterval sets how often strategies are re-fetched.
func WithSamplingRefreshInterval(interval time.Duration) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.refreshInterval = interval }
}

// WithSamplingFetchTimeout bounds a single strategy fetch.
func WithSamplingFetchTimeout(timeout time.Duration) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.fetchTimeout = timeout }
}

// WithInitialSampler sets the sampler used until the first successful
// fetch, and kept on every failed one.
func WithInitialSampler(sampler Sampler) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.initial = sampler }
}

// WithSamplerLogger sets the logger for fetch and update events.
func WithSamplerLogger(logger *zap.Logger) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.logger = logger }
}

// WithSamplerMetrics sets the metrics sink for update counters.
func WithSamplerMetrics(metrics *Metrics) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.metrics = metrics }
}

// WithSamplingMaxOperations caps the adaptive sampler's operation table.
func WithSamplingMaxOperations(n int) RemoteSamplerOption {
	return func(o *remoteSamplerOptions) { o.maxOperations = n }
}

// RemoteSampler polls a control endpoint for the sampling strategy of a
// service and applies updates without restarting the process. Between
// successful fetches it keeps serving the last known strategy, so an
// unreachable endpoint degrades to stale configuration rather than to an
// outage.
type RemoteSampler struct {
	serviceName     string
	endpoint        string
	refreshInterval time.Duration
	maxOperations   int
	logger          *zap.Logger
	metrics         *Metrics
	client          *resty.Client

	mu      sync.RWMutex
	sampler Sampler

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRemoteSampler creates a sampler for serviceName that follows the
// control endpoint. The first fetch happens asynchronously; until it
// succeeds the initial sampler decides.
func NewRemoteSampler(serviceName string, opts ...RemoteSamplerOption) *RemoteSampler {
	options := remoteSamplerOptions{
		endpoint:        defaultSamplingEndpoint,
		refreshInterval: defaultSamplingRefreshInterval,
		fetchTimeout:    defaultSamplingFetchTimeout,
		maxOperations:   2000,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.initial == nil {
		options.initial, _ = NewProbabilisticSampler(defaultRemoteSamplingRate)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.metrics == nil {
		options.metrics = NewMetrics(nil)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	s := &RemoteSampler{
		serviceName:     serviceName,
		endpoint:        options.endpoint,
		refreshInterval: options.refreshInterval,
		maxOperations:   options.maxOperations,
		logger:          options.logger,
		metrics:         options.metrics,
		client: resty.NewWithClient(retryClient.StandardClient()).
			SetTimeout(options.fetchTimeout).
			SetHeader("Accept", "application/json"),
		sampler: options.initial,
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.pollStrategies()
	return s
}

// IsSampled implements Sampler by delegating to the current strategy.
func (s *RemoteSampler) IsSampled(id TraceID, operation string) (bool, []Tag) {
	s.mu.RLock()
	sampler := s.sampler
	s.mu.RUnlock()
	return sampler.IsSampled(id, operation)
}

// Close stops the polling loop and waits for it to exit.
func (s *RemoteSampler) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Sampler returns the currently active strategy, mainly for tests.
func (s *RemoteSampler) Sampler() Sampler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampler
}

func (s *RemoteSampler) pollStrategies() {
	defer s.wg.Done()

	s.updateSampler()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.updateSampler()
		case <-s.done:
			return
		}
	}
}

func (s *RemoteSampler) updateSampler() {
	resp, err := s.client.R().
		SetQueryParam("service", s.serviceName).
		Get(s.endpoint)
	if err != nil {
		s.metrics.SamplerFetchFailures.Inc()
		s.logger.Warn("sampling strategy fetch failed, keeping current strategy",
			zap.String("endpoint", s.endpoint),
			zap.Error(err))
		return
	}
	if resp.IsError() {
		s.metrics.SamplerFetchFailures.Inc()
		s.logger.Warn("sampling strategy fetch failed, keeping current strategy",
			zap.String("endpoint", s.endpoint),
			zap.Int("status", resp.StatusCode()))
		return
	}

	var strategy strategyResponse
	if err := sonic.Unmarshal(resp.Body(), &strategy); err != nil {
		s.metrics.SamplerFetchFailures.Inc()
		s.logger.Warn("sampling strategy response malformed, keeping current strategy",
			zap.Error(err))
		return
	}

	if err := s.applyStrategy(&strategy); err != nil {
		s.metrics.SamplerFetchFailures.Inc()
		s.logger.Warn("sampling strategy rejected, keeping current strategy",
			zap.Error(err))
		return
	}
	s.metrics.SamplerUpdates.Inc()
}

func (s *RemoteSampler) applyStrategy(strategy *strategyResponse) error {
	if strategy.OperationSampling != nil {
		return s.applyOperationStrategy(strategy.OperationSampling)
	}

	switch strategy.StrategyType {
	case strategyTypeProbabilistic:
		if strategy.Probabilistic == nil {
			return fmt.Errorf("probabilistic strategy missing parameters")
		}
		sampler, err := NewProbabilisticSampler(strategy.Probabilistic.SamplingRate)
		if err != nil {
			return err
		}
		s.swap(sampler)
		return nil
	case strategyTypeRateLimiting:
		if strategy.RateLimiting == nil {
			return fmt.Errorf("rate limiting strategy missing parameters")
		}
		s.swap(NewRateLimitingSampler(strategy.RateLimiting.MaxTracesPerSecond))
		return nil
	default:
		return fmt.Errorf("unknown strategy type %q", strategy.StrategyType)
	}
}

func (s *RemoteSampler) applyOperationStrategy(strategies *perOperationStrategies) error {
	s.mu.RLock()
	current := s.sampler
	s.mu.RUnlock()

	// Updating in place preserves the per-operation token buckets.
	if adaptive, ok := current.(*PerOperationSampler); ok {
		adaptive.update(strategies)
		return nil
	}

	adaptive, err := NewPerOperationSampler(PerOperationSamplerParams{
		MaxOperations:              s.maxOperations,
		DefaultSamplingProbability: strategies.DefaultSamplingProbability,
		LowerBoundTracesPerSecond:  strategies.DefaultLowerBoundTracesPerSecond,
	})
	if err != nil {
		return err
	}
	adaptive.update(strategies)
	s.swap(adaptive)
	return nil
}

func (s *RemoteSampler) swap(sampler Sampler) {
	s.mu.Lock()
	s.sampler = sampler
	s.mu.Unlock()
}
