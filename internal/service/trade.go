package service

import (
	"context"
)

// ExecuteTrade validates, places and, when WaitForTerminal is set, watches
// the order in one call. The watch runs on a fresh connection after the
// placing connection is closed.
func (s *LifecycleService) ExecuteTrade(ctx context.Context, in TradeIn, onUpdate func(WatchEvent)) TradeOut {
	validation := s.Validate(ctx, ValidateIn{Order: in.Order, Transmit: in.Transmit})
	if !validation.Valid {
		return TradeOut{Errors: validation.Errors}
	}

	placement := s.Place(ctx, PlaceIn{
		Order:    in.Order,
		Transmit: in.Transmit,
		DryRun:   in.DryRun,
		Timeout:  in.Timeout,
	})

	if placement.DryRun {
		return TradeOut{
			OK:                true,
			DryRun:            true,
			Contract:          placement.Contract,
			OrderPayload:      placement.OrderPayload,
			OrderRequest:      placement.OrderRequest,
			EffectiveOrderRef: placement.EffectiveOrderRef,
		}
	}

	if !placement.Submitted {
		return TradeOut{
			OrderID:      placement.OrderID,
			Error:        placement.Error,
			Errors:       placement.Errors,
			Contract:     placement.Contract,
			OrderPayload: placement.OrderPayload,
		}
	}

	notTerminal := false
	if !in.WaitForTerminal {
		out := TradeOut{
			OK:           true,
			Submitted:    true,
			OrderID:      placement.OrderID,
			Terminal:     &notTerminal,
			State:        placement.State,
			Contract:     placement.Contract,
			OrderPayload: placement.OrderPayload,
		}
		if placement.State != nil {
			out.Status = strPtr(placement.State.Status)
		}
		return out
	}

	if placement.OrderID == nil {
		return TradeOut{Error: strPtr("order_id missing after submission")}
	}

	watch := s.Watch(ctx, WatchIn{
		OrderID:      *placement.OrderID,
		PollInterval: in.PollInterval,
		Timeout:      in.Timeout,
		MaxWait:      in.MaxWait,
	}, onUpdate)

	terminal := watch.Terminal
	out := TradeOut{
		Submitted:    true,
		OrderID:      placement.OrderID,
		Status:       watch.Status,
		Terminal:     &terminal,
		State:        placement.State,
		Updates:      watch.Updates,
		Contract:     placement.Contract,
		OrderPayload: placement.OrderPayload,
	}
	if watch.Error != nil {
		out.Error = watch.Error
		return out
	}

	out.OK = true
	if n := len(watch.Updates); n > 0 {
		final := watch.Updates[n-1].State
		out.State = &final
	}
	return out
}
