// Package analyze scores standalone conversation text, such as a pasted
// transcript of a past call.
//
// A [Client] asks the remote analysis server first and falls back to the
// local deterministic engine whenever the server is unreachable, slow, or
// answers with something unusable. Callers always get a result.
package analyze

import (
	"context"
	"time"

	"github.com/MrWong99/voiceshield/internal/observe"
	"github.com/MrWong99/voiceshield/internal/resilience"
	"github.com/MrWong99/voiceshield/internal/risk"
	"github.com/MrWong99/voiceshield/internal/transcript"
	"github.com/MrWong99/voiceshield/pkg/types"
)

// Source names reported by [Client.Analyze].
const (
	SourceRemote = "remote"
	SourceLocal  = "local"
)

// Request is the body of POST /api/analyze-text.
type Request struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// Analyzer scores one piece of text as a single caller turn.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (types.RiskResult, error)
}

// normalizer applies the same cleanup live turns get, so pasted text and a
// monitored call score alike.
var normalizer = transcript.NewNormalizer()

// Local scores text with the in-process engine. It never fails.
type Local struct{}

// Analyze implements [Analyzer].
func (Local) Analyze(_ context.Context, req Request) (types.RiskResult, error) {
	turn, _ := normalizer.Normalize(types.TranscriptTurn{Speaker: types.SpeakerCaller, Text: req.Text})
	return risk.Score(turn.Text), nil
}

var _ Analyzer = Local{}

// Config configures a [Client].
type Config struct {
	// Remote is tried first. nil analyzes locally only.
	Remote Analyzer

	// MaxFailures consecutive remote failures open the circuit breaker.
	// Defaults to 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Defaults to 30s.
	ResetTimeout time.Duration

	// Metrics receives analysis latency. nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Client analyzes text remotely with local fallback. It is safe for
// concurrent use.
type Client struct {
	chain   *resilience.Chain[Analyzer]
	metrics *observe.Metrics
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	cb := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.MaxFailures,
		ResetTimeout: cfg.ResetTimeout,
		HalfOpenMax:  1,
	}
	var chain *resilience.Chain[Analyzer]
	if cfg.Remote != nil {
		chain = resilience.NewChain(SourceRemote, cfg.Remote, cb)
		chain.Add(SourceLocal, Local{})
	} else {
		chain = resilience.NewChain[Analyzer](SourceLocal, Local{}, cb)
	}
	return &Client{chain: chain, metrics: cfg.Metrics}
}

// Analyze scores text and reports which backend produced the result. It
// never fails: when every backend errors, or ctx is already done, the text
// is scored locally.
func (c *Client) Analyze(ctx context.Context, text, language string) (types.RiskResult, string) {
	start := time.Now()
	req := Request{Text: text, Language: language}

	res, source, err := resilience.Do(ctx, c.chain, func(ctx context.Context, a Analyzer) (types.RiskResult, error) {
		return a.Analyze(ctx, req)
	})
	if err != nil {
		observe.Logger(ctx).Warn("analyze: all backends failed, scoring locally", "err", err)
		res, _ = Local{}.Analyze(ctx, req)
		source = SourceLocal
	}
	c.metrics.RecordAnalyze(ctx, source, time.Since(start))
	return res, source
}

// RemoteBreaker returns the breaker guarding the remote backend, or nil when
// the client is local only.
func (c *Client) RemoteBreaker() *resilience.CircuitBreaker {
	return c.chain.Breaker(SourceRemote)
}
