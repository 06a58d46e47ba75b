package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
)

type Processor struct {
	Base   ext.BaseProcessor
	Dedupe *queue.UpdateDeduplicator
	// AllowedUserID, when non-zero, drops updates from everyone else.
	AllowedUserID int64
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !p.allowed(ctx) {
		if p.Metrics != nil {
			p.Metrics.DroppedUpdates.Inc()
		}
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("update from foreign user dropped")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			if p.Metrics != nil {
				p.Metrics.DroppedUpdates.Inc()
			}
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func (p Processor) allowed(ctx *ext.Context) bool {
	if p.AllowedUserID == 0 {
		return true
	}
	return ctx != nil && ctx.EffectiveUser != nil && ctx.EffectiveUser.Id == p.AllowedUserID
}
