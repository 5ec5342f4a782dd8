package orchestrator

import (
	"time"

	"github.com/alcove-sh/alcove/internal/config"
	"github.com/alcove-sh/alcove/internal/errs"
)

// Settings are the effective per-request knobs after merging the caller's
// overrides onto the server defaults.
type Settings struct {
	LexicalTopK    int
	SemanticTopK   int
	RerankTopK     int
	MinScore       float64
	WebResults     int
	WebPagesParsed int

	Deadline         time.Duration
	PerSourceTimeout time.Duration

	GeneratorModel string
	Temperature    float64
	MaxTokens      int

	CacheTTL time.Duration
}

// SettingsFromConfig builds the server defaults.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		LexicalTopK:      cfg.LexicalTopK,
		SemanticTopK:     cfg.SemanticTopK,
		RerankTopK:       cfg.RerankTopK,
		MinScore:         cfg.MinRerankScore,
		WebResults:       cfg.WebResults,
		WebPagesParsed:   cfg.WebPagesParsed,
		Deadline:         cfg.Deadline(),
		PerSourceTimeout: cfg.PerSourceTimeout(),
		GeneratorModel:   cfg.GeneratorModel,
		Temperature:      0.2,
		MaxTokens:        1024,
		CacheTTL:         cfg.CacheTTL(),
	}
}

// SettingsPatch is the caller's optional settings object. Nil fields keep
// the server default.
type SettingsPatch struct {
	LexicalTopK    *int     `json:"lexical_top_k,omitempty"`
	SemanticTopK   *int     `json:"semantic_top_k,omitempty"`
	RerankTopK     *int     `json:"rerank_top_k,omitempty"`
	MinScore       *float64 `json:"min_score,omitempty"`
	WebResults     *int     `json:"web_results,omitempty"`
	WebPagesParsed *int     `json:"web_pages_parsed,omitempty"`

	DeadlineMS         *int `json:"deadline_ms,omitempty"`
	PerSourceTimeoutMS *int `json:"per_source_timeout_ms,omitempty"`

	GeneratorModel *string  `json:"generator_model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`

	CacheTTLS *int `json:"cache_ttl_s,omitempty"`
}

// Apply merges a patch over defaults and validates the result. A
// non-positive deadline is rejected before any outbound call is made.
func (s Settings) Apply(p *SettingsPatch) (Settings, error) {
	if p == nil {
		return s, nil
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&s.LexicalTopK, p.LexicalTopK)
	setInt(&s.SemanticTopK, p.SemanticTopK)
	setInt(&s.RerankTopK, p.RerankTopK)
	setInt(&s.WebResults, p.WebResults)
	setInt(&s.WebPagesParsed, p.WebPagesParsed)
	setInt(&s.MaxTokens, p.MaxTokens)

	if p.MinScore != nil {
		s.MinScore = *p.MinScore
	}
	if p.Temperature != nil {
		s.Temperature = *p.Temperature
	}
	if p.GeneratorModel != nil && *p.GeneratorModel != "" {
		s.GeneratorModel = *p.GeneratorModel
	}
	if p.DeadlineMS != nil {
		s.Deadline = time.Duration(*p.DeadlineMS) * time.Millisecond
	}
	if p.PerSourceTimeoutMS != nil {
		s.PerSourceTimeout = time.Duration(*p.PerSourceTimeoutMS) * time.Millisecond
	}
	if p.CacheTTLS != nil {
		s.CacheTTL = time.Duration(*p.CacheTTLS) * time.Second
	}

	if s.Deadline <= 0 {
		return s, errs.New(errs.KindInvalidRequest, "deadline must be positive")
	}
	if s.PerSourceTimeout <= 0 || s.PerSourceTimeout > s.Deadline {
		s.PerSourceTimeout = s.Deadline
	}
	if s.LexicalTopK < 0 || s.SemanticTopK < 0 || s.RerankTopK < 0 {
		return s, errs.New(errs.KindInvalidRequest, "top-k settings must be non-negative")
	}
	if s.WebPagesParsed > s.WebResults {
		s.WebPagesParsed = s.WebResults
	}
	return s, nil
}
