// Package gemini adapts the Gemini API to the code extraction and site naming
// collaborators of the crawl pipeline.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/codedox/internal/crawler"
	"github.com/JakeFAU/codedox/internal/telemetry"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gemini-2.5-flash"
	// DefaultMaxMarkdownChars caps the page content sent per request.
	DefaultMaxMarkdownChars = 60000

	extractKey  = "extract"
	classifyKey = "classify"
)

// Generator is the slice of the genai client used here. *genai.Models
// satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Waiter paces outbound requests per key.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

// Config tunes the extractor.
type Config struct {
	Model            string
	MaxMarkdownChars int
	// MaxAttempts bounds generation attempts per page, including the first.
	MaxAttempts int
	// RetryDelay is the initial backoff between attempts.
	RetryDelay time.Duration
}

// Extractor implements crawler.CodeExtractor.
type Extractor struct {
	gen     Generator
	limiter Waiter
	cfg     Config
	retry   retryPolicy
	logger  *zap.Logger
}

// NewClient builds a Gemini API client.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// NewExtractor builds an Extractor. limiter may be nil.
func NewExtractor(gen Generator, limiter Waiter, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxMarkdownChars <= 0 {
		cfg.MaxMarkdownChars = DefaultMaxMarkdownChars
	}
	return &Extractor{
		gen:     gen,
		limiter: limiter,
		cfg:     cfg,
		retry:   newRetryPolicy(cfg.MaxAttempts, cfg.RetryDelay),
		logger:  logger,
	}
}

// Extract asks the model for the code blocks in req.Markdown. Credential and
// quota failures wrap crawler.ErrExtractionFatal.
func (e *Extractor) Extract(ctx context.Context, req crawler.ExtractionRequest) (crawler.ExtractionResult, error) {
	markdown := truncate(strings.TrimSpace(req.Markdown), e.cfg.MaxMarkdownChars)
	if markdown == "" {
		return crawler.ExtractionResult{}, nil
	}
	ctx, span := telemetry.Start(ctx, "gemini.Extract",
		attribute.String("url", req.URL),
		attribute.String("model", e.cfg.Model),
		attribute.Int("markdown_chars", len(markdown)),
	)
	result, err := e.extract(ctx, req, markdown)
	span.SetAttributes(attribute.Int("blocks", len(result.Blocks)))
	telemetry.End(span, err)
	return result, err
}

func (e *Extractor) extract(ctx context.Context, req crawler.ExtractionRequest, markdown string) (crawler.ExtractionResult, error) {
	start := time.Now()
	resp, err := e.generate(ctx, req, markdown)
	took := time.Since(start)
	if err != nil {
		return crawler.ExtractionResult{}, err
	}
	if resp == nil {
		return crawler.ExtractionResult{}, errors.New("gemini returned nil result")
	}

	result, err := parseExtraction(resp.Text())
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("parse extraction for %s: %w", req.URL, err)
	}
	result.Took = took
	e.logger.Debug("code extracted",
		zap.String("url", req.URL),
		zap.Int("blocks", len(result.Blocks)),
		zap.Duration("took", took),
	)
	return result, nil
}

// generate calls the model, retrying transient failures. The limiter is
// consulted before every attempt.
func (e *Extractor) generate(ctx context.Context, req crawler.ExtractionRequest, markdown string) (*genai.GenerateContentResponse, error) {
	contents := []*genai.Content{genai.NewContentFromText(buildExtractionPrompt(req, markdown), genai.RoleUser)}
	for attempt := 0; ; attempt++ {
		if err := wait(ctx, e.limiter, extractKey); err != nil {
			return nil, err
		}
		resp, err := e.gen.GenerateContent(ctx, e.cfg.Model, contents, extractionConfig())
		if err == nil {
			return resp, nil
		}
		err = classifyError(err)
		if !e.retry.shouldRetry(err, attempt) {
			return nil, err
		}
		delay := e.retry.backoff(attempt)
		e.logger.Debug("retrying extraction",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func extractionConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(
			"You extract code examples from software documentation. Return every complete code block "+
				"with its language and a short description. Do not invent code that is not on the page.",
			genai.RoleUser,
		),
		Temperature:      genai.Ptr[float32](0.1),
		ResponseMIMEType: "application/json",
		ResponseSchema:   extractionSchema(),
	}
}

func stringSchema(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

func stringListSchema(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Description: desc, Items: &genai.Schema{Type: genai.TypeString}}
}

func extractionSchema() *genai.Schema {
	block := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"code":         stringSchema("the code exactly as shown"),
			"language":     stringSchema("programming language, lower case"),
			"title":        stringSchema("short title"),
			"filename":     stringSchema("file name when the page names one"),
			"description":  stringSchema("what the code does"),
			"purpose":      stringSchema("why a reader would use it"),
			"frameworks":   stringListSchema("frameworks and libraries involved"),
			"keywords":     stringListSchema("search keywords"),
			"dependencies": stringListSchema("packages that must be installed"),
			"relationships": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"target":      stringSchema("title of the related block"),
						"type":        stringSchema("relationship kind"),
						"description": stringSchema("how they relate"),
					},
					Required: []string{"target", "type"},
				},
			},
		},
		Required: []string{"code", "language", "title", "description"},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"code_blocks": {Type: genai.TypeArray, Items: block},
			"page": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"topic":        stringSchema("main topic of the page"),
					"type":         stringSchema("guide, reference, tutorial or other"),
					"technologies": stringListSchema("technologies covered"),
					"key_concepts": stringListSchema("key concepts"),
					"links":        stringListSchema("related documentation links"),
				},
			},
		},
		Required: []string{"code_blocks"},
	}
}

func buildExtractionPrompt(req crawler.ExtractionRequest, markdown string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<url>%s</url>\n", req.URL)
	if req.Title != "" {
		fmt.Fprintf(&sb, "<title>%s</title>\n", req.Title)
	}
	fmt.Fprintf(&sb, "<content>\n%s\n</content>\n", markdown)
	return sb.String()
}

// parseExtraction decodes the model output and drops blocks without code.
func parseExtraction(text string) (crawler.ExtractionResult, error) {
	var result crawler.ExtractionResult
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("decode json: %w", err)
	}
	blocks := result.Blocks[:0]
	for _, b := range result.Blocks {
		if strings.TrimSpace(b.Code) == "" {
			continue
		}
		b.Language = strings.ToLower(strings.TrimSpace(b.Language))
		if b.Language == "" {
			b.Language = "text"
		}
		b.Title = strings.TrimSpace(b.Title)
		blocks = append(blocks, b)
	}
	result.Blocks = blocks
	return result, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// fatalStatuses are the API statuses that no retry can fix.
var fatalStatuses = map[string]bool{
	"UNAUTHENTICATED":    true,
	"PERMISSION_DENIED":  true,
	"RESOURCE_EXHAUSTED": true,
}

// fatalMarkers are matched against errors that carry no API status, such as
// ones wrapped by a transport.
var fatalMarkers = []string{
	"Error 401,", "Error 403,", "Error 429,",
	"UNAUTHENTICATED", "PERMISSION_DENIED", "RESOURCE_EXHAUSTED",
	"API key not valid", "quota",
}

// classifyError marks credential and quota failures as fatal for the job.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("generate content: %w", err)
	}
	if isFatal(err) {
		return fmt.Errorf("%w: %w", crawler.ErrExtractionFatal, err)
	}
	return fmt.Errorf("generate content: %w", err)
}

func isFatal(err error) bool {
	if apiErr, ok := asAPIError(err); ok {
		switch apiErr.Code {
		case 401, 403, 429:
			return true
		case 400:
			return strings.Contains(apiErr.Message, "API key not valid")
		}
		return fatalStatuses[apiErr.Status]
	}
	msg := err.Error()
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}

func wait(ctx context.Context, limiter Waiter, key string) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx, key)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
