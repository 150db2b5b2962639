package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultLogLevel = "info"

	DefaultServerAddr          = ":8080"
	DefaultServerReadTimeout   = 15 * time.Second
	DefaultServerWriteTimeout  = 2 * time.Minute // webhook turns wait on Gemini
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultMaxConcurrentEvents = 10

	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "storage.db"
	DefaultDBMaxOpenConns    = 10
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = time.Hour

	DefaultGeminiModel      = "gemini-2.0-flash"
	DefaultGeminiTimeout    = 90 * time.Second
	DefaultGeminiMaxRetries = 3
	DefaultGeminiRetryDelay = time.Second

	DefaultLINETimeout    = 10 * time.Second
	DefaultLINEMaxRetries = 3
	DefaultLINERetryDelay = 500 * time.Millisecond

	DefaultStartKeyword        = "無料鑑定"
	DefaultConsultationKeyword = "相談"
	DefaultFortuneHistory      = 5
	DefaultConsultationHistory = 10
	DefaultAnalysisEvery       = 3
	DefaultAnalysisTimeout     = 2 * time.Minute
	DefaultSessionTTL          = 24 * time.Hour

	DefaultBroadcastSendInterval = 100 * time.Millisecond
	DefaultBroadcastSweepTimeout = 10 * time.Minute
)

// Default sampling per flow.
var (
	DefaultFortuneSampling = SamplingConfig{
		Temperature: 0.8, TopP: 0.95, PresencePenalty: 0.6, FrequencyPenalty: 0.3, MaxOutputTokens: 1000,
	}
	DefaultConsultationSampling = SamplingConfig{
		Temperature: 0.7, TopP: 0.95, PresencePenalty: 0.5, FrequencyPenalty: 0.3, MaxOutputTokens: 800,
	}
	DefaultAnalysisSampling = SamplingConfig{
		Temperature: 0.3, TopP: 0.95, MaxOutputTokens: 500,
	}
)

// Default scheduled tasks.
var DefaultTasks = map[string]TaskConfig{
	"broadcast_sweep": {Enabled: true, Schedule: "0 * * * * *"},
	"session_expiry":  {Enabled: true, Schedule: "0 */15 * * * *"},
	"sql_maintenance": {Enabled: true, Schedule: "0 0 4 * * *"},
}

// DefaultMessages are the user-facing texts.
var DefaultMessages = MessagesConfig{
	GeneralError: "申し訳ございません。一時的なエラーが発生しました。もう一度お試しください。",
	FortuneWelcome: "%s様、フォローありがとうございます！\n\n" +
		"あなたの心に寄り添う占い師です🔮\n" +
		"「無料鑑定」で運勢を占います。お悩みは「相談」からお気軽にどうぞ。",
	AskBirthDate: "鑑定を始めます🔮\nまずは生年月日を教えてください。\n\n" +
		"例: 1990年1月15日 / 1990/1/15 / 1990-01-15 / 19900115",
	InvalidBirthDate: "生年月日を読み取れませんでした🙏\n次のような形式で送ってください。\n\n" +
		"例: 1990年1月15日 / 1990/1/15 / 1990-01-15 / 19900115",
	AskBloodType:     "ありがとうございます。\n次に血液型を教えてください。",
	InvalidBloodType: "血液型を読み取れませんでした🙏\nA・B・O・AB の中から選んでください。",
	AskCategory:      "占いたいテーマを選んでください✨",
	InvalidCategory:  "テーマを読み取れませんでした🙏\n恋愛運・仕事運・金運・総合運・対人運の中から選んでください。",
	BirthDateUpdated: "生年月日を %s に更新しました。",
	BloodTypeUpdated: "血液型を %s型 に更新しました。",
	ConsultationOpening: "お話を聞かせてくださってありがとうございます。\n" +
		"どんなことでも大丈夫です。今感じていることを、ゆっくり言葉にしてみてください。",
	BusinessWelcome: "%s様、フォローありがとうございます！\n\nビジネスコンサルBotです。\n\n" +
		"ステップメールでビジネスに役立つ情報をお届けします✨",
	BusinessGreeting: "%s様、こんにちは！\n\nビジネスコンサルBotです。\nステップメール機能は現在準備中です。",
}

// setDefaults registers every key so env overrides bind even when the
// config file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", DefaultLogLevel)
	v.SetDefault("logger.json", false)

	v.SetDefault("server.addr", DefaultServerAddr)
	v.SetDefault("server.read_timeout", DefaultServerReadTimeout)
	v.SetDefault("server.write_timeout", DefaultServerWriteTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.max_concurrent_events", DefaultMaxConcurrentEvents)

	v.SetDefault("database.driver", DefaultDBDriver)
	v.SetDefault("database.dsn", DefaultDBDSN)
	v.SetDefault("database.max_open_conns", DefaultDBMaxOpenConns)
	v.SetDefault("database.max_idle_conns", DefaultDBMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", DefaultDBConnMaxLifetime)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", DefaultGeminiModel)
	v.SetDefault("gemini.timeout", DefaultGeminiTimeout)
	v.SetDefault("gemini.max_retries", DefaultGeminiMaxRetries)
	v.SetDefault("gemini.retry_delay", DefaultGeminiRetryDelay)
	setSamplingDefaults(v, "gemini.fortune", DefaultFortuneSampling)
	setSamplingDefaults(v, "gemini.consultation", DefaultConsultationSampling)
	setSamplingDefaults(v, "gemini.analysis", DefaultAnalysisSampling)

	for _, bot := range []string{"fortune", "business"} {
		v.SetDefault("line."+bot+".destination_id", "")
		v.SetDefault("line."+bot+".channel_access_token", "")
		v.SetDefault("line."+bot+".channel_secret", "")
	}
	v.SetDefault("line.timeout", DefaultLINETimeout)
	v.SetDefault("line.max_retries", DefaultLINEMaxRetries)
	v.SetDefault("line.retry_delay", DefaultLINERetryDelay)
	v.SetDefault("line.verify_signature", false)

	v.SetDefault("admin.api_key", "")

	v.SetDefault("conversation.start_keyword", DefaultStartKeyword)
	v.SetDefault("conversation.consultation_keyword", DefaultConsultationKeyword)
	v.SetDefault("conversation.fortune_history", DefaultFortuneHistory)
	v.SetDefault("conversation.consultation_history", DefaultConsultationHistory)
	v.SetDefault("conversation.analysis_every", DefaultAnalysisEvery)
	v.SetDefault("conversation.analysis_timeout", DefaultAnalysisTimeout)
	v.SetDefault("conversation.session_ttl", DefaultSessionTTL)

	v.SetDefault("broadcast.send_interval", DefaultBroadcastSendInterval)
	v.SetDefault("broadcast.sweep_timeout", DefaultBroadcastSweepTimeout)

	for name, task := range DefaultTasks {
		v.SetDefault("scheduler.tasks."+name+".enabled", task.Enabled)
		v.SetDefault("scheduler.tasks."+name+".schedule", task.Schedule)
	}

	m := DefaultMessages
	v.SetDefault("messages.general_error", m.GeneralError)
	v.SetDefault("messages.fortune_welcome", m.FortuneWelcome)
	v.SetDefault("messages.ask_birth_date", m.AskBirthDate)
	v.SetDefault("messages.invalid_birth_date", m.InvalidBirthDate)
	v.SetDefault("messages.ask_blood_type", m.AskBloodType)
	v.SetDefault("messages.invalid_blood_type", m.InvalidBloodType)
	v.SetDefault("messages.ask_category", m.AskCategory)
	v.SetDefault("messages.invalid_category", m.InvalidCategory)
	v.SetDefault("messages.birth_date_updated", m.BirthDateUpdated)
	v.SetDefault("messages.blood_type_updated", m.BloodTypeUpdated)
	v.SetDefault("messages.consultation_opening", m.ConsultationOpening)
	v.SetDefault("messages.business_welcome", m.BusinessWelcome)
	v.SetDefault("messages.business_greeting", m.BusinessGreeting)
}

func setSamplingDefaults(v *viper.Viper, prefix string, s SamplingConfig) {
	v.SetDefault(prefix+".temperature", s.Temperature)
	v.SetDefault(prefix+".top_p", s.TopP)
	v.SetDefault(prefix+".presence_penalty", s.PresencePenalty)
	v.SetDefault(prefix+".frequency_penalty", s.FrequencyPenalty)
	v.SetDefault(prefix+".max_output_tokens", s.MaxOutputTokens)
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
