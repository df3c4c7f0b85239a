package fallback

import (
	"context"
	"fmt"
	"time"
)

// Sync replays the write queue against the origin in insertion order. An
// entry is deleted only after the origin answered it with a 2xx status; the
// first failure stops the run so later entries keep their order. A call made
// while another sync is running returns immediately with Skipped set.
func (s *Service) Sync(ctx context.Context) (SyncResult, error) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("sync already running, skipped")
		return SyncResult{Skipped: true}, nil
	}
	defer s.syncing.Store(false)

	entries, err := s.queue.Entries(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("snapshot queue: %w", err)
	}

	res := SyncResult{Total: len(entries)}
	for i, e := range entries {
		ok, err := s.replay(ctx, e, i+1, len(entries))
		if !ok {
			ev := s.logger.Warn().Uint64("id", e.Key).Str("url", e.URL).Int("index", i+1).Int("total", len(entries))
			if err != nil {
				ev = ev.Err(err)
			}
			ev.Msg("replay failed, stopping sync")
			break
		}
		res.Succeeded++
	}

	if res.Total > 0 {
		s.logger.Info().Int("succeeded", res.Succeeded).Int("total", res.Total).Msg("sync finished")
	}
	return res, nil
}

// replay sends one queued request and deletes it on success.
func (s *Service) replay(ctx context.Context, e QueueEntry, index, total int) (bool, error) {
	start := time.Now()
	req := requestFromEntry(e)

	resp, err := send(ctx, s.replayClient, req)
	if err != nil {
		s.conn.markOffline()
	} else {
		// Reconnect handling is skipped here: a sync is already running.
		s.conn.markOnline()
	}

	ok := err == nil && is2xx(resp.Status)
	if ok {
		if derr := s.queue.Delete(ctx, e.Key); derr != nil {
			ok, err = false, derr
		}
	} else if err == nil {
		err = fmt.Errorf("origin answered %d %s", resp.Status, resp.StatusText)
	}

	result := "ok"
	if !ok {
		result = "failed"
	}
	s.metrics.SyncReplayTotal.WithLabelValues(result).Inc()

	ev := newEvent(ActionReplay)
	ev.URL = e.URL
	ev.Method = e.Method
	ev.Status = resp.Status
	ev.DurationMS = durationMS(time.Since(start))
	ev.RequestSize = len(e.Body)
	ev.ResponseSize = len(resp.Body)
	ev.Index = index
	ev.Total = total
	ev.OK = &ok
	s.hub.Broadcast(ev)

	return ok, err
}

// markOnline records a successful network attempt and starts a sync when it
// ends an offline period.
func (s *Service) markOnline() {
	if !s.conn.markOnline() {
		return
	}
	s.logger.Info().Str("origin", s.cfg.Server.Origin).Msg("origin reachable again")
	if s.cfg.Sync.onReconnect && s.queue.Len() > 0 {
		s.syncAsync("reconnect")
	}
}

// syncAsync runs Sync in the background unless the service is closing.
func (s *Service) syncAsync(reason string) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.Sync(s.ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("trigger", reason).Msg("sync failed")
			return
		}
		if !res.Skipped {
			s.logger.Debug().Str("trigger", reason).Int("succeeded", res.Succeeded).Int("total", res.Total).Msg("background sync done")
		}
	}()
}

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.queue.Len() > 0 {
				s.syncAsync("ticker")
			}
		}
	}
}
