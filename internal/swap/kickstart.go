package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/klingon-exchange/swapd/internal/storage"
	"golang.org/x/sync/errgroup"
)

// kickstartLoaders bounds concurrent record loads during Kickstart.
const kickstartLoaders = 4

// Kickstart resumes the unfinished swaps found in the store. Each swap
// starts once both of its coins are active. It returns the swaps scheduled
// for resumption.
func (m *Manager) Kickstart(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := m.store.GetUnfinished()
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished swaps: %w", err)
	}

	recs := make([]*storage.SwapRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(kickstartLoaders)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := m.store.GetRepr(id)
			if err != nil {
				return fmt.Errorf("failed to load swap %s: %w", id, err)
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var scheduled []uuid.UUID
	for _, rec := range recs {
		id, err := uuid.Parse(rec.UUID)
		if err != nil {
			m.log.Error("Skipping swap with invalid uuid", "uuid", rec.UUID)
			continue
		}
		if m.registry.IsRunning(id) {
			continue
		}
		if _, err := roleOf(rec.SwapType); err != nil {
			m.log.Error("Skipping swap", "uuid", rec.UUID, "error", err)
			continue
		}
		last := rec.LastEvent()
		if last == nil || last.Terminal {
			if last == nil {
				// Nothing was negotiated or paid; the swap is dropped.
				m.log.Warn("Finishing swap that never started", "uuid", rec.UUID, "error", ErrNoEvents)
			}
			if err := m.store.MarkFinished(rec.UUID); err != nil {
				m.log.Warn("Failed to mark swap finished", "uuid", rec.UUID, "error", err)
			}
			continue
		}

		m.log.Info("Kickstarting swap", "uuid", rec.UUID, "type", rec.SwapType, "state", last.Type)
		scheduled = append(scheduled, id)
		m.wg.Add(1)
		go func(rec *storage.SwapRecord) {
			defer m.wg.Done()
			m.resumeWhenReady(ctx, rec)
		}(rec)
	}
	return scheduled, nil
}

// resumeWhenReady waits until both coins of rec are active, then resumes
// the swap from its last event.
func (m *Manager) resumeWhenReady(ctx context.Context, rec *storage.SwapRecord) {
	log := m.log.With("uuid", rec.UUID)
	for {
		_, _, err := m.swapCoins(rec.MakerCoin, rec.TakerCoin)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrCoinNotActive) {
			log.Error("Cannot resume swap", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-m.clock.TickAfter(m.cfg.KickstartPollInterval):
		}
	}

	base, st, err := m.restore(rec)
	if err != nil {
		if isFinishedErr(err) {
			if err := m.store.MarkFinished(rec.UUID); err != nil {
				log.Warn("Failed to mark swap finished", "error", err)
			}
			return
		}
		log.Error("Failed to recreate swap", "error", err)
		return
	}
	if err := m.launch(base, st, true); err != nil {
		log.Error("Failed to resume swap", "error", err)
	}
}

func isFinishedErr(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrAlreadyAborted) ||
		errors.Is(err, ErrAlreadyRefunded)
}
