package hls

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for the Settings refresh bounds when the host leaves them zero.
const (
	// DefaultRefreshMinInterval bounds how tight the driver may tick.
	DefaultRefreshMinInterval = 1 * time.Second
	// DefaultRefreshMaxWait bounds a single timer arm; the driver
	// re-reads the update interval after each wait so a TARGETDURATION
	// seen later takes effect without a restart.
	DefaultRefreshMaxWait = 1 * time.Hour
)

// refreshDriver periodically re-prepares the enabled representations of the
// current period while the presentation is live.
type refreshDriver struct {
	tree    *Tree
	cancel  context.CancelFunc
	resetCh chan struct{}
	done    chan struct{}
}

// startRefreshLocked starts the driver once. Callers hold the tree-update
// mutex.
func (t *Tree) startRefreshLocked() {
	if t.refresh != nil || !t.refreshPlaylist {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &refreshDriver{
		tree:    t,
		cancel:  cancel,
		resetCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.refresh = d
	go d.run(ctx)
}

func (d *refreshDriver) run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.waitInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.resetCh:
			// A consumer-driven refresh just ran; restart the clock.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.waitInterval())
		case <-timer.C:
			if d.tree.intervalElapsed() {
				d.tree.RefreshLiveSegments(ctx)
			}
			timer.Reset(d.waitInterval())
		}
	}
}

// waitInterval clamps the tree's update interval into the configured
// refresh bounds.
func (d *refreshDriver) waitInterval() time.Duration {
	minInterval, maxWait := d.tree.refreshBounds()
	interval := d.tree.UpdateInterval()
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxWait {
		interval = maxWait
	}
	return interval
}

// refreshBounds returns the host refresh bounds with defaults applied.
func (t *Tree) refreshBounds() (minInterval, maxWait time.Duration) {
	minInterval = t.settings.RefreshMinInterval
	if minInterval <= 0 {
		minInterval = DefaultRefreshMinInterval
	}
	maxWait = t.settings.RefreshMaxWait
	if maxWait < minInterval {
		maxWait = DefaultRefreshMaxWait
	}
	return minInterval, maxWait
}

// intervalElapsed reports whether a full update interval passed since the
// last refresh, so an oversized timer arm does not trigger an early pass.
func (t *Tree) intervalElapsed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.updateInterval == noUpdateInterval {
		return false
	}
	return time.Since(t.lastUpdated) >= t.updateInterval
}

// resetStartTime restarts the driver clock after an out-of-band refresh.
func (d *refreshDriver) resetStartTime() {
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
}

// stop cancels the driver and waits for it to exit.
func (d *refreshDriver) stop() {
	d.cancel()
	<-d.done
}

// RefreshSegments refreshes one representation's playlist just before the
// consumer crosses a segment boundary. Included (muxed) streams carry no
// playlist of their own and are skipped.
func (t *Tree) RefreshSegments(ctx context.Context, period *Period, adp *AdaptationSet, rep *Representation, streamType StreamType) {
	t.mu.Lock()
	refreshEnabled := t.refreshPlaylist
	driver := t.refresh
	t.mu.Unlock()

	if !refreshEnabled || rep.IsIncludedStream {
		return
	}
	if driver != nil {
		driver.resetStartTime()
	}
	t.PrepareRepresentation(ctx, period, adp, rep, true)
}

// RefreshLiveSegments re-prepares every enabled, non-included
// representation of the current period. Called from the refresh driver and
// safe to call from the consumer.
func (t *Tree) RefreshLiveSegments(ctx context.Context) {
	t.mu.Lock()
	t.lastUpdated = time.Now()
	if !t.refreshPlaylist || t.currentPeriod == nil {
		t.mu.Unlock()
		return
	}

	period := t.currentPeriod
	type refreshItem struct {
		adp *AdaptationSet
		rep *Representation
	}
	var refreshList []refreshItem
	for _, adpSet := range period.AdaptationSets {
		for _, rep := range adpSet.Representations {
			if rep.IsEnabled && !rep.IsIncludedStream {
				refreshList = append(refreshList, refreshItem{adp: adpSet, rep: rep})
			}
		}
	}
	t.mu.Unlock()

	for _, item := range refreshList {
		if result := t.PrepareRepresentation(ctx, period, item.adp, item.rep, true); result == PrepareFailure {
			t.log.Warn("live refresh failed for representation",
				slog.String("url", item.rep.SourceURL))
		}
	}
}
