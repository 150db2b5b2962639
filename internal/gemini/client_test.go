package gemini

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/yupoline/yupoline/internal/config"
	"github.com/yupoline/yupoline/internal/database"
)

type generateCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type fakeGenerator struct {
	mu        sync.Mutex
	calls     []generateCall
	responses []*genai.GenerateContentResponse
	errs      []error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, generateCall{model: model, contents: contents, config: cfg})
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		ModelVersion: "gemini-test-001",
		Candidates: []*genai.Candidate{{
			Content:      genai.NewContentFromText(text, genai.RoleModel),
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     12,
			CandidatesTokenCount: 34,
			TotalTokenCount:      46,
		},
	}
}

func testConfig() config.GeminiConfig {
	return config.GeminiConfig{
		APIKey:       "test",
		Model:        "gemini-test",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		Fortune:      config.DefaultFortuneSampling,
		Consultation: config.DefaultConsultationSampling,
		Analysis:     config.DefaultAnalysisSampling,
	}
}

func strPtr(s string) *string { return &s }

func TestRunFortuneTellingBuildsPrompt(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse("あなたの恋愛運は上昇中です")}}
	client := newClient(gen, testConfig(), nil)

	profile := &database.UserProfile{
		LineUserID: "U1",
		BirthDate:  strPtr("1990-05-15"),
		BloodType:  strPtr("A"),
		Interests:  database.StringList{"旅行"},
	}
	history := []database.Conversation{
		{UserMessage: "q1", AssistantMessage: "a1"},
		{UserMessage: "q2", AssistantMessage: "a2"},
	}

	res, err := client.RunFortuneTelling(context.Background(), "恋愛運を占ってください", profile, history)
	require.NoError(t, err)
	assert.Equal(t, "あなたの恋愛運は上昇中です", res.Text)
	assert.Equal(t, "gemini-test-001", res.Metadata.Model)
	assert.Equal(t, "STOP", res.Metadata.FinishReason)
	assert.Equal(t, int32(46), res.Metadata.TotalTokens)

	require.Len(t, gen.calls, 1)
	call := gen.calls[0]
	assert.Equal(t, "gemini-test", call.model)

	require.Len(t, call.contents, 5)
	assert.Equal(t, "q1", call.contents[0].Parts[0].Text)
	assert.Equal(t, genai.RoleUser, call.contents[0].Role)
	assert.Equal(t, "a1", call.contents[1].Parts[0].Text)
	assert.Equal(t, genai.RoleModel, call.contents[1].Role)
	assert.Equal(t, "恋愛運を占ってください", call.contents[4].Parts[0].Text)

	instruction := call.config.SystemInstruction.Parts[0].Text
	assert.True(t, strings.HasPrefix(instruction, FortuneTellerSystemInstruction))
	assert.Contains(t, instruction, "生年月日: 1990-05-15")
	assert.Contains(t, instruction, "血液型: A型")
	assert.Contains(t, instruction, "関心事: 旅行")
	assert.NotContains(t, instruction, "主な悩み", "absent fields are skipped")

	require.NotNil(t, call.config.Temperature)
	assert.InDelta(t, 0.8, *call.config.Temperature, 0.001)
	assert.Equal(t, int32(1000), call.config.MaxOutputTokens)

	// The shared base config is not mutated by the per-call suffix.
	assert.Equal(t, FortuneTellerSystemInstruction, client.fortuneConfig.SystemInstruction.Parts[0].Text)
}

func TestRunConsultationWithoutProfile(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse("大丈夫ですよ")}}
	client := newClient(gen, testConfig(), nil)

	res, err := client.RunConsultation(context.Background(), "仕事が辛いです", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "大丈夫ですよ", res.Text)

	call := gen.calls[0]
	assert.Equal(t, ConsultationSystemInstruction, call.config.SystemInstruction.Parts[0].Text)
	assert.InDelta(t, 0.7, *call.config.Temperature, 0.001)
	require.Len(t, call.contents, 1)

	_, err = client.RunConsultation(context.Background(), "  ", nil, nil)
	assert.Error(t, err)
}

func TestGenerateRetriesOnServerErrors(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{
		errs:      []error{genai.APIError{Code: 503, Message: "unavailable"}, genai.APIError{Code: 500}},
		responses: []*genai.GenerateContentResponse{nil, nil, textResponse("ok")},
	}
	client := newClient(gen, testConfig(), nil)

	res, err := client.RunConsultation(context.Background(), "hello", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Len(t, gen.calls, 3)
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{
		errs:      []error{genai.APIError{Code: 400, Message: "bad request"}},
		responses: []*genai.GenerateContentResponse{textResponse("unused")},
	}
	client := newClient(gen, testConfig(), nil)

	_, err := client.RunFortuneTelling(context.Background(), "総合運", nil, nil)
	require.Error(t, err)
	assert.Len(t, gen.calls, 1)

	var apiErr genai.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestGenerateGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	unavailable := genai.APIError{Code: 503}
	gen := &fakeGenerator{
		errs:      []error{unavailable, unavailable, unavailable},
		responses: []*genai.GenerateContentResponse{nil},
	}
	client := newClient(gen, testConfig(), nil)

	_, err := client.RunConsultation(context.Background(), "hello", nil, nil)
	require.Error(t, err)
	assert.Len(t, gen.calls, 3, "initial attempt plus two retries")
}

func TestExtractTextErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		resp *genai.GenerateContentResponse
	}{
		{name: "nil response", resp: nil},
		{name: "no candidates", resp: &genai.GenerateContentResponse{}},
		{
			name: "blocked prompt",
			resp: &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
				BlockReason: genai.BlockedReasonSafety,
			}},
		},
		{
			name: "max tokens without content",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}}},
		},
	}

	client := newClient(&fakeGenerator{}, testConfig(), nil)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := client.extractTextFromResponse(context.Background(), "test", tc.resp)
			assert.Error(t, err)
		})
	}
}

func TestAnalyzeProfile(t *testing.T) {
	t.Parallel()

	history := []database.Conversation{{UserMessage: "転職に悩んでいます", AssistantMessage: "お話を聞かせてください"}}

	t.Run("parses schema output", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(
			"```json\n{\"personality_traits\":[\"慎重\"],\"interests\":[],\"concerns\":[\"転職\"],\"communication_style\":\"丁寧\"}\n```",
		)}}
		client := newClient(gen, testConfig(), nil)

		analysis := client.AnalyzeProfile(context.Background(), history, nil)
		require.NotNil(t, analysis)
		assert.Equal(t, []string{"慎重"}, analysis.PersonalityTraits)
		assert.Equal(t, []string{"転職"}, analysis.Concerns)

		call := gen.calls[0]
		assert.Equal(t, "application/json", call.config.ResponseMIMEType)
		assert.NotNil(t, call.config.ResponseSchema)
		assert.Contains(t, call.contents[0].Parts[0].Text, "ユーザー: 転職に悩んでいます")
		assert.Contains(t, call.contents[0].Parts[0].Text, "現在のプロファイル: なし")

		update := analysis.ProfileUpdate()
		assert.Nil(t, update.Interests, "empty lists never clear stored values")
		assert.Equal(t, []string{"転職"}, update.Concerns)
		require.NotNil(t, update.CommunicationStyle)
		assert.Equal(t, "丁寧", *update.CommunicationStyle)
		assert.Nil(t, update.BirthDate)
	})

	t.Run("unparsable output yields nil", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse("not json")}}
		client := newClient(gen, testConfig(), nil)
		assert.Nil(t, client.AnalyzeProfile(context.Background(), history, nil))
	})

	t.Run("api failure yields nil", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{
			errs:      []error{errors.New("network down")},
			responses: []*genai.GenerateContentResponse{nil},
		}
		client := newClient(gen, testConfig(), nil)
		assert.Nil(t, client.AnalyzeProfile(context.Background(), history, nil))
	})

	t.Run("empty history skips the call", func(t *testing.T) {
		t.Parallel()
		gen := &fakeGenerator{}
		client := newClient(gen, testConfig(), nil)
		assert.Nil(t, client.AnalyzeProfile(context.Background(), nil, nil))
		assert.Empty(t, gen.calls)
	})
}

func TestMetadataAsMap(t *testing.T) {
	t.Parallel()

	m := Metadata{Model: "m", FinishReason: "STOP", PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}.AsMap()
	assert.Equal(t, "m", m.String("model"))
	assert.Equal(t, "STOP", m.String("finish_reason"))
	usage, ok := m["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int32(3), usage["total_tokens"])
}
