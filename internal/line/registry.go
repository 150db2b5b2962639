package line

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/yupoline/yupoline/internal/config"
)

// BotType identifies one of the hosted bot personas.
type BotType string

const (
	BotFortune  BotType = "fortune"
	BotBusiness BotType = "business"
)

// DefaultBot receives events whose destination matches no configured bot.
const DefaultBot = BotFortune

// ParseBotType validates a bot type name.
func ParseBotType(s string) (BotType, bool) {
	switch BotType(s) {
	case BotFortune, BotBusiness:
		return BotType(s), true
	default:
		return "", false
	}
}

// Bot is one configured LINE channel.
type Bot struct {
	Type          BotType
	DestinationID string
	ChannelSecret string
	Messenger     Messenger
}

// Registry is the static bot table built once at startup.
type Registry struct {
	bots   map[BotType]*Bot
	byDest map[string]*Bot
	log    *slog.Logger
}

// NewRegistry creates SDK clients for every channel that has an access token.
func NewRegistry(cfg config.LINEConfig, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := ClientOptions{
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}

	var bots []*Bot
	for botType, botCfg := range map[BotType]config.BotConfig{
		BotFortune:  cfg.Fortune,
		BotBusiness: cfg.Business,
	} {
		if botCfg.ChannelAccessToken == "" {
			log.Warn("LINE bot not configured, skipping", "bot_type", botType)
			continue
		}
		client, err := NewClient(botCfg.ChannelAccessToken, opts, log.With("component", "line_client", "bot_type", botType))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s LINE client: %w", botType, err)
		}
		bots = append(bots, &Bot{
			Type:          botType,
			DestinationID: botCfg.DestinationID,
			ChannelSecret: botCfg.ChannelSecret,
			Messenger:     client,
		})
	}

	return NewRegistryFromBots(log, bots...), nil
}

// NewRegistryFromBots builds a registry from already constructed bots.
func NewRegistryFromBots(log *slog.Logger, bots ...*Bot) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		bots:   make(map[BotType]*Bot, len(bots)),
		byDest: make(map[string]*Bot, len(bots)),
		log:    log.With("component", "line_registry"),
	}
	for _, b := range bots {
		r.bots[b.Type] = b
		if b.DestinationID != "" {
			r.byDest[b.DestinationID] = b
		}
	}
	r.log.Info("LINE bot registry initialized", "bots", r.Types())
	return r
}

// Get returns the bot of the given type.
func (r *Registry) Get(t BotType) (*Bot, bool) {
	b, ok := r.bots[t]
	return b, ok
}

// ByDestination resolves a webhook destination. Unknown destinations fall
// back to DefaultBot with a warning; the second result is false only when
// that bot is not configured either.
func (r *Registry) ByDestination(destination string) (*Bot, bool) {
	if b, ok := r.byDest[destination]; ok {
		return b, true
	}
	r.log.Warn("Unknown webhook destination, falling back to default bot",
		"destination", destination, "fallback", DefaultBot)
	return r.Get(DefaultBot)
}

// Types lists the configured bot types in a stable order.
func (r *Registry) Types() []BotType {
	types := make([]BotType, 0, len(r.bots))
	for t := range r.bots {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
