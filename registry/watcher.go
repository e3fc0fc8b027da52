package registry

import (
	"context"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WatchEventType mirrors etcd's PUT/DELETE event kinds.
type WatchEventType int

const (
	WatchEventPut WatchEventType = iota
	WatchEventDelete
)

// WatchEvent is one logical change delivered to a Watcher's callback.
type WatchEvent struct {
	Type  WatchEventType
	Key   string
	Value []byte
}

// watcherState is the logical state machine driving one Watcher,
// independent of how the underlying transport frames events.
type watcherState int

const (
	watchIdleInitial watcherState = iota
	watchRangeGet
	watchOpen
	watchBackoffIdle
)

// Watcher ranges over [Key, Key+RangeEnd) and delivers a full snapshot
// followed by incremental events to OnEvent. RangeEnd is resolved through
// the "+1" convention if it is the literal "+1".
type Watcher struct {
	Key      string
	RangeEnd string
	OnEvent  func(WatchEvent)

	state        watcherState
	retryMode    bool
	lastRevision int64

	watchCh clientv3.WatchChan
	cancel  context.CancelFunc
}

// NewWatcher constructs a Watcher over a key prefix, using "+1" as the
// conventional way to express "everything under this prefix".
func NewWatcher(keyPrefix string, onEvent func(WatchEvent)) *Watcher {
	return &Watcher{Key: keyPrefix, RangeEnd: plusOneRangeEnd, OnEvent: onEvent}
}

// activate transitions IdleInitial -> RangeGet: a full snapshot is taken
// and replayed as synthetic PUT events before the watch is opened.
func (w *Watcher) activate(ctx context.Context, cli *clientv3.Client, logger *slog.Logger) {
	w.state = watchRangeGet
	rangeEnd := resolveRangeEnd(w.Key, w.RangeEnd)

	opts := []clientv3.OpOption{}
	if rangeEnd != "" {
		opts = append(opts, clientv3.WithRange(rangeEnd))
	} else if w.RangeEnd == plusOneRangeEnd {
		opts = append(opts, clientv3.WithFromKey())
	}

	resp, err := cli.Get(ctx, w.Key, opts...)
	if err != nil {
		logger.Warn("registry watcher snapshot failed", "key", w.Key, "error", err)
		w.state = watchBackoffIdle
		return
	}

	for _, kv := range resp.Kvs {
		w.OnEvent(WatchEvent{Type: WatchEventPut, Key: string(kv.Key), Value: kv.Value})
	}
	w.lastRevision = resp.Header.Revision
	w.openWatch(ctx, cli, opts)
}

// openWatch transitions RangeGet -> WatchOpen, starting the long-poll
// watch from the revision just observed.
func (w *Watcher) openWatch(ctx context.Context, cli *clientv3.Client, opts []clientv3.OpOption) {
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	watchOpts := append(append([]clientv3.OpOption{}, opts...), clientv3.WithRev(w.lastRevision+1), clientv3.WithPrevKV())
	w.watchCh = cli.Watch(watchCtx, w.Key, watchOpts...)
	w.state = watchOpen
	w.retryMode = false
}

// poll drains any buffered watch responses without blocking, advancing
// the state machine on cancellation, compaction, or transport error.
func (w *Watcher) poll(ctx context.Context, cli *clientv3.Client, logger *slog.Logger) {
	if w.state != watchOpen || w.watchCh == nil {
		return
	}

	for {
		select {
		case resp, ok := <-w.watchCh:
			if !ok {
				w.toBackoff()
				return
			}
			if resp.Canceled {
				if resp.CompactRevision > w.lastRevision {
					w.resnapshot(ctx, cli, logger)
					return
				}
				w.toBackoff()
				return
			}
			if err := resp.Err(); err != nil {
				logger.Warn("registry watch error", "key", w.Key, "error", err)
				w.toBackoff()
				return
			}
			if resp.Header.Revision > 0 {
				w.lastRevision = resp.Header.Revision
			}
			for _, ev := range resp.Events {
				et := WatchEventPut
				if ev.Type == clientv3.EventTypeDelete {
					et = WatchEventDelete
				}
				w.OnEvent(WatchEvent{Type: et, Key: string(ev.Kv.Key), Value: ev.Kv.Value})
			}
		default:
			return
		}
	}
}

func (w *Watcher) resnapshot(ctx context.Context, cli *clientv3.Client, logger *slog.Logger) {
	w.retryMode = true
	if w.cancel != nil {
		w.cancel()
	}
	w.activate(ctx, cli, logger)
}

func (w *Watcher) toBackoff() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watchCh = nil
	w.retryMode = true
	w.state = watchBackoffIdle
}

// tick drives the watcher's state machine one step: BackoffIdle retries
// by re-activating (the "token-refresh probe": a retry-mode activation
// issues an empty-range-end range-get to exercise auth before resuming
// long-poll), RangeGet/IdleInitial activate, WatchOpen polls.
func (w *Watcher) tick(ctx context.Context, cli *clientv3.Client, logger *slog.Logger) {
	switch w.state {
	case watchIdleInitial, watchBackoffIdle:
		if w.retryMode {
			probeCtx, cancel := context.WithCancel(ctx)
			_, _ = cli.Get(probeCtx, w.Key)
			cancel()
		}
		w.activate(ctx, cli, logger)
	case watchOpen:
		w.poll(ctx, cli, logger)
	}
}

func (w *Watcher) close() {
	if w.cancel != nil {
		w.cancel()
	}
}
