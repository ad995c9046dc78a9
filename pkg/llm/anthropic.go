package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/datasleuth/datasleuth/pkg/datasource"
	"github.com/datasleuth/datasleuth/pkg/models"
)

const (
	// DefaultModel is used when the config names none.
	DefaultModel = "claude-sonnet-4-5"
	// defaultMaxTokens bounds one completion.
	defaultMaxTokens = 4096
	// defaultTemperature keeps probes and verdicts near-deterministic.
	defaultTemperature = 0.2
)

// AnthropicClient implements Client on the Anthropic Messages API.
// Safe for concurrent use.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *slog.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithModel overrides the model name.
func WithModel(model string) AnthropicOption {
	return func(c *AnthropicClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithMaxTokens overrides the per-completion token bound.
func WithMaxTokens(n int64) AnthropicOption {
	return func(c *AnthropicClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) AnthropicOption {
	return func(c *AnthropicClient) { c.temperature = t }
}

// NewAnthropicClient creates a client. An empty apiKey falls back to
// the SDK's environment lookup (ANTHROPIC_API_KEY).
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	var sdkOpts []option.RequestOption
	if apiKey != "" {
		sdkOpts = append(sdkOpts, option.WithAPIKey(apiKey))
	}
	c := &AnthropicClient{
		client:      anthropic.NewClient(sdkOpts...),
		model:       DefaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs one system+user exchange and returns the concatenated
// text blocks.
func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	c.logger.Debug("llm completion",
		"model", c.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return text.String(), nil
}

type hypothesisDTO struct {
	Title          string `json:"title"`
	Category       string `json:"category"`
	Reasoning      string `json:"reasoning"`
	SuggestedQuery string `json:"suggested_query"`
}

type hypothesesDTO struct {
	Hypotheses []hypothesisDTO `json:"hypotheses"`
}

func (c *AnthropicClient) GenerateHypotheses(ctx context.Context, alert models.AnomalyAlert, ic *models.InvestigationContext, max int) ([]models.Hypothesis, error) {
	if max <= 0 {
		max = DefaultMaxHypotheses
	}
	text, err := c.Complete(ctx, hypothesisSystem, hypothesisPrompt(alert, ic, max))
	if err != nil {
		return nil, opError("generate_hypotheses", err)
	}
	parsed, err := Decode[hypothesesDTO](text)
	if err != nil {
		return nil, parseError("generate_hypotheses", err, text)
	}
	if len(parsed.Hypotheses) == 0 {
		return nil, parseError("generate_hypotheses", fmt.Errorf("empty hypothesis list"), text)
	}

	var out []models.Hypothesis
	for _, dto := range parsed.Hypotheses {
		if dto.Title == "" {
			continue
		}
		out = append(out, models.Hypothesis{
			ID:             uuid.NewString(),
			Title:          dto.Title,
			Category:       models.ParseHypothesisCategory(dto.Category),
			Reasoning:      dto.Reasoning,
			SuggestedQuery: dto.SuggestedQuery,
		})
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil, parseError("generate_hypotheses", fmt.Errorf("no usable hypotheses"), text)
	}
	return out, nil
}

type queryDTO struct {
	Query string `json:"query"`
}

func (c *AnthropicClient) GenerateQuery(ctx context.Context, hyp models.Hypothesis, ic *models.InvestigationContext, feedback string) (string, error) {
	text, err := c.Complete(ctx, querySystem, queryPrompt(hyp, ic, feedback))
	if err != nil {
		return "", opError("generate_query", err)
	}
	parsed, err := Decode[queryDTO](text)
	if err != nil {
		return "", parseError("generate_query", err, text)
	}
	query := strings.TrimSpace(parsed.Query)
	if query == "" {
		return "", parseError("generate_query", fmt.Errorf("empty query"), text)
	}
	return query, nil
}

type interpretDTO struct {
	SupportsHypothesis string   `json:"supports_hypothesis"`
	Confidence         float64  `json:"confidence"`
	Interpretation     string   `json:"interpretation"`
	ResultSummary      string   `json:"result_summary"`
	CausalChain        []string `json:"causal_chain"`
	KeyFindings        []string `json:"key_findings"`
}

func (c *AnthropicClient) InterpretEvidence(ctx context.Context, hyp models.Hypothesis, query string, result *datasource.QueryResult) (*models.Evidence, error) {
	text, err := c.Complete(ctx, interpretSystem, interpretPrompt(hyp, query, result))
	if err != nil {
		return nil, opError("interpret_evidence", err)
	}
	parsed, err := Decode[interpretDTO](text)
	if err != nil {
		return nil, parseError("interpret_evidence", err, text)
	}

	rowCount := 0
	if result != nil {
		rowCount = result.RowCount
	}
	return &models.Evidence{
		ID:                 uuid.NewString(),
		HypothesisID:       hyp.ID,
		Query:              query,
		ResultSummary:      parsed.ResultSummary,
		RowCount:           rowCount,
		SupportsHypothesis: models.ParseSupportVerdict(parsed.SupportsHypothesis),
		Confidence:         clamp01(parsed.Confidence),
		Interpretation:     parsed.Interpretation,
		CausalChain:        parsed.CausalChain,
		KeyFindings:        parsed.KeyFindings,
	}, nil
}

type findingDTO struct {
	RootCause       string   `json:"root_cause"`
	Confidence      float64  `json:"confidence"`
	CausalChain     []string `json:"causal_chain"`
	EstimatedOnset  string   `json:"estimated_onset"`
	AffectedScope   string   `json:"affected_scope"`
	Recommendations []string `json:"recommendations"`
}

func (c *AnthropicClient) SynthesizeFindings(ctx context.Context, alert models.AnomalyAlert, evidence []models.Evidence) (*models.Finding, error) {
	text, err := c.Complete(ctx, synthesisSystem, synthesisPrompt(alert, evidence))
	if err != nil {
		return nil, opError("synthesize_findings", err)
	}
	parsed, err := Decode[findingDTO](text)
	if err != nil {
		return nil, parseError("synthesize_findings", err, text)
	}

	var supporting []string
	for _, ev := range evidence {
		if ev.SupportsHypothesis == models.VerdictSupports {
			supporting = append(supporting, ev.ID)
		}
	}
	return &models.Finding{
		RootCause:          parsed.RootCause,
		Confidence:         clamp01(parsed.Confidence),
		CausalChain:        parsed.CausalChain,
		EstimatedOnset:     parsed.EstimatedOnset,
		AffectedScope:      parsed.AffectedScope,
		SupportingEvidence: supporting,
		Recommendations:    parsed.Recommendations,
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
