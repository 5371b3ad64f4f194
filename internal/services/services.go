package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesalappx/wesal-app-sub001/internal/models"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/repository"

	"github.com/rs/zerolog/log"
)

// EventBus is the part of the realtime bus the services publish to
type EventBus interface {
	EmitChange(topic string, change realtime.Change) int
	Publish(topic, sender string, payload any) (int, error)
}

// Option configures a service
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// emit publishes a row change carrying record as JSON
func emit(bus EventBus, topic, table string, changeType realtime.ChangeType, columns map[string]string, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Str("table", table).Msg("Failed to encode change record")
		return
	}
	bus.EmitChange(topic, realtime.Change{
		Table:   table,
		Type:    changeType,
		Columns: columns,
		Record:  data,
	})
}

// activeCouple loads the caller's couple and checks membership
func activeCouple(ctx context.Context, tx repository.Store, cc models.CoupleContext) (*models.Couple, error) {
	if !cc.IsPaired() {
		return nil, models.ErrNotPaired
	}
	couple, err := tx.Pairs().GetCoupleByID(ctx, cc.CoupleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.ErrNotPaired
		}
		return nil, fmt.Errorf("failed to get couple: %w", err)
	}
	if !couple.HasMember(cc.UserID) {
		return nil, models.ErrNotMember
	}
	if couple.Status != models.CoupleActive {
		return nil, models.ErrNotPaired
	}
	return couple, nil
}

// isDomainError reports whether err carries a models.Error
func isDomainError(err error) bool {
	return models.ErrorCode(err) != ""
}
