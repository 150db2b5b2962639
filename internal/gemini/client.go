// Package gemini implements the fortune-telling and consultation engine on
// top of Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
)

// Client defines the engine operations used by the conversation flows.
type Client interface {
	// RunFortuneTelling produces a reading for the assembled request text.
	RunFortuneTelling(ctx context.Context, request string, profile *database.UserProfile, history []database.Conversation) (Result, error)

	// RunConsultation answers a free-form consultation message.
	RunConsultation(ctx context.Context, message string, profile *database.UserProfile, history []database.Conversation) (Result, error)

	// AnalyzeProfile derives traits from a conversation history. It returns
	// nil when nothing usable came back; failures are logged, never returned.
	AnalyzeProfile(ctx context.Context, history []database.Conversation, current *database.UserProfile) *ProfileAnalysis
}

// Result is the generated text and its usage metadata.
type Result struct {
	Text     string
	Metadata Metadata
}

// Metadata describes how a reply was produced.
type Metadata struct {
	Model            string
	FinishReason     string
	PromptTokens     int32
	CompletionTokens int32
	TotalTokens      int32
}

// AsMap renders the metadata for the conversation log.
func (m Metadata) AsMap() database.JSONMap {
	return database.JSONMap{
		"model":         m.Model,
		"finish_reason": m.FinishReason,
		"usage": map[string]any{
			"prompt_tokens":     m.PromptTokens,
			"completion_tokens": m.CompletionTokens,
			"total_tokens":      m.TotalTokens,
		},
	}
}

// ProfileAnalysis is the structured output of AnalyzeProfile.
type ProfileAnalysis struct {
	PersonalityTraits  []string `json:"personality_traits"`
	Interests          []string `json:"interests"`
	Concerns           []string `json:"concerns"`
	CommunicationStyle string   `json:"communication_style"`
}

// ProfileUpdate converts the analysis into a partial update. Empty fields
// are left out so they never clear stored values.
func (a *ProfileAnalysis) ProfileUpdate() database.ProfileUpdate {
	var u database.ProfileUpdate
	if a == nil {
		return u
	}
	if len(a.PersonalityTraits) > 0 {
		u.PersonalityTraits = a.PersonalityTraits
	}
	if len(a.Interests) > 0 {
		u.Interests = a.Interests
	}
	if len(a.Concerns) > 0 {
		u.Concerns = a.Concerns
	}
	if s := strings.TrimSpace(a.CommunicationStyle); s != "" {
		u.CommunicationStyle = &s
	}
	return u
}

// contentGenerator is the subset of the genai SDK used by the client.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	models             contentGenerator
	log                *slog.Logger
	modelName          string
	timeout            time.Duration
	maxRetries         int
	retryDelay         time.Duration
	fortuneConfig      *genai.GenerateContentConfig
	consultationConfig *genai.GenerateContentConfig
	analysisConfig     *genai.GenerateContentConfig
}

// NewClient creates a new Gemini engine with the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := newClient(gi.Models, cfg, log)
	c.log.Info("Gemini client initialized successfully", "model", cfg.Model)
	return c, nil
}

func newClient(models contentGenerator, cfg config.GeminiConfig, log *slog.Logger) *sdkClient {
	if log == nil {
		log = slog.Default()
	}

	analysisCfg := contentConfig(cfg.Analysis, ProfileAnalyzerSystemInstruction)
	analysisCfg.ResponseMIMEType = "application/json"
	analysisCfg.ResponseSchema = profileAnalysisSchema
	// Penalties are not accepted together with a response schema by every model.
	analysisCfg.PresencePenalty = nil
	analysisCfg.FrequencyPenalty = nil

	return &sdkClient{
		models:             models,
		log:                log.With("component", "gemini_client"),
		modelName:          cfg.Model,
		timeout:            cfg.Timeout,
		maxRetries:         cfg.MaxRetries,
		retryDelay:         cfg.RetryDelay,
		fortuneConfig:      contentConfig(cfg.Fortune, FortuneTellerSystemInstruction),
		consultationConfig: contentConfig(cfg.Consultation, ConsultationSystemInstruction),
		analysisConfig:     analysisCfg,
	}
}

func contentConfig(s config.SamplingConfig, instruction string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(s.Temperature),
		MaxOutputTokens:   s.MaxOutputTokens,
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
	}
	if s.TopP > 0 {
		cfg.TopP = genai.Ptr(s.TopP)
	}
	if s.PresencePenalty != 0 {
		cfg.PresencePenalty = genai.Ptr(s.PresencePenalty)
	}
	if s.FrequencyPenalty != 0 {
		cfg.FrequencyPenalty = genai.Ptr(s.FrequencyPenalty)
	}
	return cfg
}

func (c *sdkClient) RunFortuneTelling(ctx context.Context, request string, profile *database.UserProfile, history []database.Conversation) (Result, error) {
	c.log.DebugContext(ctx, "Running fortune telling", "history_count", len(history), "has_profile", profile != nil)
	return c.chat(ctx, "fortune_telling", c.fortuneConfig, profileContext(profile, ""), request, history)
}

func (c *sdkClient) RunConsultation(ctx context.Context, message string, profile *database.UserProfile, history []database.Conversation) (Result, error) {
	c.log.DebugContext(ctx, "Running consultation", "history_count", len(history), "has_profile", profile != nil)
	return c.chat(ctx, "consultation", c.consultationConfig, profileContext(profile, consultationProfileFooter), message, history)
}

func (c *sdkClient) chat(
	ctx context.Context,
	op string,
	base *genai.GenerateContentConfig,
	facts, input string,
	history []database.Conversation,
) (Result, error) {
	if strings.TrimSpace(input) == "" {
		return Result{}, fmt.Errorf("%s input cannot be empty", op)
	}

	cfg := withInstructionSuffix(base, facts)
	contents := buildContents(history, input)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.generateContentWithRetries(ctx, contents, cfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini generation failed", "operation", op, "error", err)
		return Result{}, fmt.Errorf("%s generation failed: %w", op, err)
	}

	text, err := c.extractTextFromResponse(ctx, op, resp)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Metadata: c.metadataFrom(resp)}, nil
}

var profileAnalysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"personality_traits":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "性格傾向の短い語句のリスト"},
		"interests":           {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "関心事の短い語句のリスト"},
		"concerns":            {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "主な悩みの短い語句のリスト"},
		"communication_style": {Type: genai.TypeString, Description: "コミュニケーションスタイルの説明。不明なら空文字"},
	},
	Required: []string{"personality_traits", "interests", "concerns", "communication_style"},
}

func (c *sdkClient) AnalyzeProfile(ctx context.Context, history []database.Conversation, current *database.UserProfile) *ProfileAnalysis {
	if len(history) == 0 {
		c.log.DebugContext(ctx, "No history provided for profile analysis")
		return nil
	}

	var sb strings.Builder
	sb.WriteString("以下の会話履歴から、相談者の性格傾向、関心事、主な悩み、コミュニケーションスタイルを分析してください。\n\n【会話履歴】\n")
	for _, h := range history {
		fmt.Fprintf(&sb, "ユーザー: %s\n占い師: %s\n\n", h.UserMessage, h.AssistantMessage)
	}
	sb.WriteString("現在のプロファイル: ")
	if current != nil {
		currentJSON, err := json.Marshal(current)
		if err != nil {
			c.log.WarnContext(ctx, "Failed to marshal current profile for prompt", "error", err)
			sb.WriteString("なし")
		} else {
			sb.Write(currentJSON)
		}
	} else {
		sb.WriteString("なし")
	}
	sb.WriteString("\n上記を考慮して、新しい情報があれば更新してください。")

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(sb.String(), genai.RoleUser)}
	resp, err := c.generateContentWithRetries(ctx, contents, c.analysisConfig)
	if err != nil {
		c.log.ErrorContext(ctx, "Gemini profile analysis API call failed", "error", err)
		return nil
	}

	jsonText, err := c.extractTextFromResponse(ctx, "profile_analysis", resp)
	if err != nil {
		return nil
	}

	var analysis ProfileAnalysis
	if err := json.Unmarshal([]byte(cleanJSON(jsonText)), &analysis); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse profile analysis JSON", "error", err, "response_text", jsonText)
		return nil
	}

	c.log.DebugContext(ctx, "Profile analysis parsed",
		"traits", len(analysis.PersonalityTraits), "interests", len(analysis.Interests), "concerns", len(analysis.Concerns))
	return &analysis
}

func (c *sdkClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.models.GenerateContent(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		c.log.WarnContext(ctx, "Gemini API call failed, checking for retry", "attempt", i+1, "max_retries", c.maxRetries, "error", err)

		code, ok := apiErrorCode(err)
		if ok && (code == 500 || code == 503) {
			if i < c.maxRetries {
				c.log.InfoContext(ctx, "Retrying Gemini API call due to retriable APIError", "delay", c.retryDelay, "code", code)
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("gemini retry aborted: %w", ctx.Err())
				case <-time.After(c.retryDelay):
				}
				continue
			}
			c.log.ErrorContext(ctx, "Gemini API call failed after max retries with APIError", "error", err, "code", code)
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", c.maxRetries, code, err)
		}

		c.log.ErrorContext(ctx, "Gemini API call failed with non-retriable error", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

// apiErrorCode extracts the HTTP status of a genai API error, whether the
// SDK returned it by value or by pointer.
func apiErrorCode(err error) (int, bool) {
	var byValue genai.APIError
	if errors.As(err, &byValue) {
		return byValue.Code, true
	}
	var byPointer *genai.APIError
	if errors.As(err, &byPointer) && byPointer != nil {
		return byPointer.Code, true
	}
	return 0, false
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, op string, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%s returned no response", op)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reasonMsg)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "operation", op, "finish_reason", finishReason)

		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonStop {
			return "", fmt.Errorf("%s returned no content, finish reason: %s", op, finishReason)
		}
		return "", fmt.Errorf("%s returned empty content", op)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		c.log.WarnContext(ctx, "Gemini response text is empty", "operation", op)
		return "", fmt.Errorf("%s returned empty text", op)
	}
	return text, nil
}

func (c *sdkClient) metadataFrom(resp *genai.GenerateContentResponse) Metadata {
	md := Metadata{Model: c.modelName}
	if resp.ModelVersion != "" {
		md.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 {
		md.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		md.PromptTokens = u.PromptTokenCount
		md.CompletionTokens = u.CandidatesTokenCount
		md.TotalTokens = u.TotalTokenCount
	}
	return md
}

// buildContents maps the history to alternating user/model turns, oldest
// first, and appends the new input.
func buildContents(history []database.Conversation, input string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)*2+1)
	for _, h := range history {
		if h.UserMessage != "" {
			contents = append(contents, genai.NewContentFromText(h.UserMessage, genai.RoleUser))
		}
		if h.AssistantMessage != "" {
			contents = append(contents, genai.NewContentFromText(h.AssistantMessage, genai.RoleModel))
		}
	}
	return append(contents, genai.NewContentFromText(input, genai.RoleUser))
}

// profileContext serializes the known profile facts. Absent fields are
// skipped; an empty profile yields "".
func profileContext(p *database.UserProfile, footer string) string {
	if p == nil {
		return ""
	}

	var lines []string
	if p.HasBirthDate() {
		lines = append(lines, "生年月日: "+*p.BirthDate)
	}
	if p.HasBloodType() {
		lines = append(lines, "血液型: "+*p.BloodType+"型")
	}
	if len(p.PersonalityTraits) > 0 {
		lines = append(lines, "性格傾向: "+strings.Join(p.PersonalityTraits, "、"))
	}
	if len(p.Interests) > 0 {
		lines = append(lines, "関心事: "+strings.Join(p.Interests, "、"))
	}
	if len(p.Concerns) > 0 {
		lines = append(lines, "主な悩み: "+strings.Join(p.Concerns, "、"))
	}
	if p.CommunicationStyle != nil && *p.CommunicationStyle != "" {
		lines = append(lines, "コミュニケーションスタイル: "+*p.CommunicationStyle)
	}
	if len(lines) == 0 {
		return ""
	}
	return profileHeader + strings.Join(lines, "\n") + "\n" + footer
}

func withInstructionSuffix(base *genai.GenerateContentConfig, suffix string) *genai.GenerateContentConfig {
	if suffix == "" {
		return base
	}
	copyCfg := *base
	var existing string
	if base.SystemInstruction != nil && len(base.SystemInstruction.Parts) > 0 {
		existing = base.SystemInstruction.Parts[0].Text
	}
	copyCfg.SystemInstruction = genai.NewContentFromText(existing+suffix, genai.RoleUser)
	return &copyCfg
}

// cleanJSON strips a markdown code fence some models wrap JSON output in.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
