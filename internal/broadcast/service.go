// Package broadcast delivers admin-authored messages to many users and runs
// scheduled broadcasts once they are due.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yupoline/yupoline/internal/database"
	"github.com/yupoline/yupoline/internal/line"
)

var (
	// ErrNotExecutable is returned when a broadcast is not draft or scheduled.
	ErrNotExecutable = errors.New("broadcast is not executable")

	// ErrInvalidRequest wraps validation failures of CreateRequest.
	ErrInvalidRequest = errors.New("invalid broadcast request")
)

// BotResolver finds the LINE channel of a bot type.
type BotResolver interface {
	Get(t line.BotType) (*line.Bot, bool)
}

// CreateRequest is an admin submission.
type CreateRequest struct {
	BotType     string     `json:"botType"     validate:"required"`
	Title       string     `json:"title"       validate:"required"`
	MessageText string     `json:"messageText" validate:"required"`
	TargetType  string     `json:"targetType"  validate:"omitempty,oneof=all specific"`
	TargetUsers []string   `json:"targetUsers" validate:"dive,required"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	CreatedBy   string     `json:"createdBy"`
}

// Result is the outcome of one execution. SentCount + FailedCount always
// equals TotalTarget.
type Result struct {
	BroadcastID int64 `json:"broadcastId"`
	TotalTarget int   `json:"totalTarget"`
	SentCount   int   `json:"sentCount"`
	FailedCount int   `json:"failedCount"`
}

// SweepResult reports one broadcast executed by Sweep.
type SweepResult struct {
	BroadcastID int64   `json:"broadcastId"`
	Result      *Result `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Options tunes delivery.
type Options struct {
	// SendInterval is the pause between two pushes.
	SendInterval time.Duration
}

// Service creates and executes broadcasts.
type Service struct {
	store    database.Store
	bots     BotResolver
	opts     Options
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates a broadcast service.
func NewService(store database.Store, bots BotResolver, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		bots:     bots,
		opts:     opts,
		validate: validator.New(),
		log:      log.With("component", "broadcast"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a broadcast. Without a future ScheduledAt it is executed
// right away and the execution result is returned with it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*database.BroadcastMessage, *Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, ok := line.ParseBotType(req.BotType); !ok {
		return nil, nil, fmt.Errorf("%w: unknown bot type %q", ErrInvalidRequest, req.BotType)
	}

	b := &database.BroadcastMessage{
		BotType:     req.BotType,
		Title:       strings.TrimSpace(req.Title),
		MessageText: req.MessageText,
		TargetType:  req.TargetType,
		TargetUsers: database.StringList(req.TargetUsers),
		Status:      database.BroadcastDraft,
		CreatedBy:   req.CreatedBy,
	}
	if b.TargetType == "" {
		b.TargetType = database.TargetAll
	}
	if b.TargetType != database.TargetSpecific {
		b.TargetUsers = nil
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		b.ScheduledAt = &at
		if at.After(s.now()) {
			b.Status = database.BroadcastScheduled
		}
	}

	if err := s.store.CreateBroadcast(ctx, b); err != nil {
		return nil, nil, err
	}
	if b.Status == database.BroadcastScheduled {
		s.log.InfoContext(ctx, "Broadcast scheduled", "broadcast_id", b.ID, "scheduled_at", b.ScheduledAt)
		return b, nil, nil
	}

	result, err := s.Execute(ctx, b.ID)
	if err != nil {
		return b, nil, err
	}
	// Reload so the caller sees the final status and counters.
	if final, gerr := s.store.GetBroadcast(ctx, b.ID); gerr == nil {
		b = final
	}
	return b, result, nil
}

// Execute delivers a draft or scheduled broadcast. Recipients are sent to
// one by one; a failed push is recorded and never stops the rest.
func (s *Service) Execute(ctx context.Context, id int64) (*Result, error) {
	log := s.log.With("broadcast_id", id)

	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != database.BroadcastDraft && b.Status != database.BroadcastScheduled {
		return nil, fmt.Errorf("%w: broadcast %d is %s", ErrNotExecutable, id, b.Status)
	}

	bot, err := s.resolveBot(b.BotType)
	if err != nil {
		return nil, s.fail(ctx, log, id, err)
	}
	recipients, err := s.recipients(ctx, b)
	if err != nil {
		return nil, s.fail(ctx, log, id, err)
	}

	claimed, err := s.store.ClaimBroadcast(ctx, id, len(recipients), s.now())
	if err != nil {
		return nil, s.fail(ctx, log, id, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: broadcast %d was claimed by another execution", ErrNotExecutable, id)
	}
	log.InfoContext(ctx, "Broadcast sending", "bot_type", b.BotType, "recipients", len(recipients))

	result := s.deliver(ctx, log, b, bot, recipients)

	// Finalize even if the caller went away, so the record never stays in sending.
	finalCtx := context.WithoutCancel(ctx)
	if err := s.store.CompleteBroadcast(finalCtx, id, result.SentCount, result.FailedCount, s.now()); err != nil {
		return nil, s.fail(finalCtx, log, id, err)
	}
	log.InfoContext(ctx, "Broadcast completed",
		"total", result.TotalTarget, "sent", result.SentCount, "failed", result.FailedCount)
	return result, nil
}

func (s *Service) deliver(ctx context.Context, log *slog.Logger, b *database.BroadcastMessage, bot *line.Bot, recipients []string) *Result {
	result := &Result{BroadcastID: b.ID, TotalTarget: len(recipients)}
	storeCtx := context.WithoutCancel(ctx)
	msg := line.Text(b.MessageText)

	for i, userID := range recipients {
		var sendErr error
		if i > 0 {
			sendErr = s.pause(ctx)
		}
		if sendErr == nil {
			sendErr = bot.Messenger.Push(ctx, userID, msg)
		}

		entry := &database.BroadcastLog{
			BroadcastMessageID: b.ID,
			LineUserID:         userID,
			Status:             database.DeliverySuccess,
		}
		if sendErr != nil {
			reason := sendErr.Error()
			entry.Status = database.DeliveryFailed
			entry.ErrorMessage = &reason
			result.FailedCount++
			log.WarnContext(ctx, "Broadcast push failed", "line_user_id", userID, "error", sendErr)
		} else {
			result.SentCount++
		}
		if err := s.store.SaveBroadcastLog(storeCtx, entry); err != nil {
			log.ErrorContext(ctx, "Failed to save broadcast log", "line_user_id", userID, "error", err)
		}
	}
	return result
}

func (s *Service) pause(ctx context.Context) error {
	if s.opts.SendInterval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.opts.SendInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("delivery interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s *Service) resolveBot(botType string) (*line.Bot, error) {
	t, ok := line.ParseBotType(botType)
	if !ok {
		return nil, fmt.Errorf("unknown bot type: %s", botType)
	}
	bot, ok := s.bots.Get(t)
	if !ok {
		return nil, fmt.Errorf("bot %s is not configured", botType)
	}
	return bot, nil
}

func (s *Service) recipients(ctx context.Context, b *database.BroadcastMessage) ([]string, error) {
	switch b.TargetType {
	case database.TargetAll:
		ids, err := s.store.ListUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipients: %w", err)
		}
		return ids, nil
	case database.TargetSpecific:
		return []string(b.TargetUsers), nil
	default:
		return nil, fmt.Errorf("unknown target type: %s", b.TargetType)
	}
}

// fail marks the broadcast failed and returns cause.
func (s *Service) fail(ctx context.Context, log *slog.Logger, id int64, cause error) error {
	log.ErrorContext(ctx, "Broadcast execution failed", "error", cause)
	if err := s.store.FailBroadcast(context.WithoutCancel(ctx), id, cause.Error(), s.now()); err != nil {
		log.ErrorContext(ctx, "Failed to mark broadcast failed", "error", err)
	}
	return cause
}

// Sweep executes every scheduled broadcast due at now, earliest first. A
// failing broadcast is reported in its result and does not stop the sweep.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]SweepResult, error) {
	due, err := s.store.ListDueBroadcasts(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		s.log.DebugContext(ctx, "No scheduled broadcasts due")
		return []SweepResult{}, nil
	}

	s.log.InfoContext(ctx, "Executing due broadcasts", "count", len(due))
	results := make([]SweepResult, 0, len(due))
	for _, b := range due {
		res := SweepResult{BroadcastID: b.ID}
		result, err := s.Execute(ctx, b.ID)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Result = result
		}
		results = append(results, res)
	}
	return results, nil
}
