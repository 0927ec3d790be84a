package comm

import (
	"context"
	"time"

	"github.com/nerrad567/v900-core/internal/device"
)

// persistTimeout bounds one batch of snapshot writes.
const persistTimeout = 5 * time.Second

// restore loads persisted snapshots into the registry. Failures are logged;
// the service starts with an empty registry rather than not at all.
func (s *Service) restore(ctx context.Context) {
	if s.deps.Snapshots == nil {
		return
	}
	states, err := s.deps.Snapshots.List(ctx)
	if err != nil {
		s.logger.Error("loading device snapshots failed", "error", err)
		return
	}
	n := s.deps.Registry.Restore(states)
	s.logger.Info("device snapshots restored", "devices", n)
}

// persistLoop writes every device that changed since the last write. The
// subscription coalesces bursts, so one write covers many updates. A final
// pass runs after ctx is cancelled so the offline flags set during shutdown
// are stored.
func (s *Service) persistLoop(ctx context.Context, sub *device.Subscription) {
	defer sub.Close()

	var written uint64
	for {
		select {
		case snap := <-sub.C():
			written = s.persist(snap, written)
		case <-ctx.Done():
			s.persist(s.deps.Registry.Snapshot(), written)
			return
		}
	}
}

// persist saves the devices changed after rev and returns the revision that
// is now stored. Devices that fail to save keep the old revision so they
// are retried on the next change.
func (s *Service) persist(snap *device.Snapshot, rev uint64) uint64 {
	changed := snap.ChangedSince(rev)
	if len(changed) == 0 {
		return snap.Revision()
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	for _, st := range changed {
		if err := s.deps.Snapshots.Save(ctx, st); err != nil {
			s.logger.Error("saving device snapshot failed", "device_id", st.DeviceID, "error", err)
			return rev
		}
	}
	s.logger.Debug("device snapshots saved", "devices", len(changed), "revision", snap.Revision())
	return snap.Revision()
}
