package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/yupoline/yupoline/internal/line"
)

// Dispatcher fans the events of one webhook delivery out to the bot's
// handler. Events of different users run concurrently; events of the same
// user run one after another in delivery order.
type Dispatcher struct {
	handlers map[line.BotType]EventHandlerFunc
	locks    *userLocks
	limit    int
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher over the registered handlers.
func NewDispatcher(deps HandlerDeps, handlers map[line.BotType]EventHandlerFunc) *Dispatcher {
	limit := 1
	if deps.Config != nil && deps.Config.Server.MaxConcurrentEvents > 0 {
		limit = deps.Config.Server.MaxConcurrentEvents
	}
	return &Dispatcher{
		handlers: handlers,
		locks:    newUserLocks(),
		limit:    limit,
		log:      deps.Logger.With("component", "dispatcher"),
	}
}

// Dispatch handles every event and returns one result per event, in input
// order.
func (d *Dispatcher) Dispatch(ctx context.Context, bot *line.Bot, events []line.Event) []EventResult {
	results := make([]EventResult, len(events))
	handle, ok := d.handlers[bot.Type]
	if !ok {
		d.log.ErrorContext(ctx, "No handler registered for bot", "bot_type", bot.Type)
		for i, ev := range events {
			results[i] = EventResult{Type: ev.Type, UserID: ev.Source.UserID, Error: fmt.Sprintf("no handler for bot %s", bot.Type)}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, batch := range groupByUser(events) {
		g.Go(func() error {
			// The lock orders this batch against other deliveries for the
			// same user.
			if batch.userID != "" {
				unlock := d.locks.Lock(batch.userID)
				defer unlock()
			}
			for _, i := range batch.indexes {
				results[i] = d.safeHandle(ctx, handle, bot, events[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// userBatch holds the positions of one user's events, in delivery order.
type userBatch struct {
	userID  string
	indexes []int
}

// groupByUser splits events into per-user batches ordered by first
// appearance. Events without a user id each form their own batch.
func groupByUser(events []line.Event) []*userBatch {
	var batches []*userBatch
	byUser := make(map[string]*userBatch)
	for i, ev := range events {
		userID := ev.Source.UserID
		if userID == "" {
			batches = append(batches, &userBatch{indexes: []int{i}})
			continue
		}
		b, ok := byUser[userID]
		if !ok {
			b = &userBatch{userID: userID}
			byUser[userID] = b
			batches = append(batches, b)
		}
		b.indexes = append(b.indexes, i)
	}
	return batches
}

func (d *Dispatcher) safeHandle(ctx context.Context, handle EventHandlerFunc, bot *line.Bot, ev line.Event) (result EventResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "Event handler panicked", "bot_type", bot.Type, "event_type", ev.Type, "panic", r)
			result = EventResult{Type: ev.Type, UserID: ev.Source.UserID, Error: "internal error"}
		}
	}()
	return handle(ctx, bot, ev)
}
