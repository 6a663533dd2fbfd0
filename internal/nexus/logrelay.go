package nexus

import (
	"log/slog"

	"github.com/instabridge/instabridge/internal/idcodec"
	"github.com/instabridge/instabridge/internal/store"
	"github.com/instabridge/instabridge/internal/transcode"
)

// maxLogBatch caps one history request; longer asks are clamped silently.
const maxLogBatch = 100

// MessageBounds reports the id range mirrored so far in p's id space, for
// history-discovery replies.
func (n *Nexus) MessageBounds(p Platform) (store.SideBounds, error) {
	b, err := n.store.Bounds()
	if err != nil {
		return store.SideBounds{}, err
	}
	if p == Euphoria {
		return b.Euphoria, nil
	}
	return b.Instant, nil
}

// RequestMessages serves an instant-side history request out of euphoria's
// logs. before and after are instant ids bounding the window (either may be
// empty); cb receives up to maxLen translated entries, oldest first. Every
// returned message is guaranteed an instant id, synthesizing counterparts
// for messages that never relayed live.
//
// cb is not invoked when the request cannot be served; endpoints treat a
// missing reply the way they treat an empty room.
func (n *Nexus) RequestMessages(requester Platform, before, after string, maxLen int, cb func([]LogEntry)) {
	if requester != Instant {
		n.logger.Warn("history request from unsupported side",
			slog.String("platform", requester.String()))
		return
	}
	src := n.history[Euphoria]
	if src == nil {
		n.logger.Warn("history request dropped: no euphoria history source")
		return
	}
	if maxLen <= 0 || maxLen > maxLogBatch {
		maxLen = maxLogBatch
	}

	run := func(boundA string) {
		n.queryHistory(src, boundA, after, maxLen, cb)
	}

	if before == "" {
		run("")
		return
	}
	// The upper bound arrives as an instant id; its euphoria counterpart may
	// still be in flight when the request lands.
	if err := n.store.WatchID(store.SideInstant, before, run); err != nil {
		n.logger.Warn("history bound translation failed",
			slog.String("before", before),
			slog.String("error", err.Error()))
	}
}

// queryHistory fetches one euphoria log batch below boundA and hands it to
// the translator. Euphoria's log command treats before as exclusive-of-
// nothing: it returns messages strictly older, so the bound itself must be
// stepped down by one to stay inside the window.
func (n *Nexus) queryHistory(src HistorySource, boundA, after string, maxLen int, cb func([]LogEntry)) {
	queryBefore := ""
	if boundA != "" {
		var err error
		queryBefore, err = idcodec.DecrementBase36(boundA)
		if err != nil {
			n.logger.Warn("history bound not decrementable",
				slog.String("bound", boundA),
				slog.String("error", err.Error()))
			return
		}
	}

	src.QueryLogs(queryBefore, maxLen, func(msgs []HistoryMessage, err error) {
		if err != nil {
			n.logger.Warn("history query failed", slog.String("error", err.Error()))
			return
		}
		n.translateHistory(msgs, after, cb)
	})
}

// translateHistory maps one euphoria log batch into instant ids and text.
// Synthesis makes the aggregate watch resolve immediately in practice; the
// callback shape keeps delivery correct even if a translation trickles in
// later.
func (n *Nexus) translateHistory(msgs []HistoryMessage, after string, cb func([]LogEntry)) {
	ids := make([]string, 0, 2*len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		if m.Parent != "" {
			ids = append(ids, m.Parent)
		}
	}

	err := n.store.WatchIDs(store.SideEuphoria, ids, true, func(mapping map[string]string) {
		entries := make([]LogEntry, 0, len(msgs))
		for _, m := range msgs {
			id := mapping[m.ID]
			if after != "" && id < after {
				continue
			}
			entries = append(entries, LogEntry{
				ID:          id,
				Parent:      mapping[m.Parent],
				Nick:        m.SenderNick,
				Text:        transcode.EuphoriaToInstant(m.Text),
				TimestampMS: m.UnixSeconds * 1000,
			})
		}
		cb(entries)
	})
	if err != nil {
		n.logger.Warn("history translation failed",
			slog.Int("messages", len(msgs)),
			slog.String("error", err.Error()))
	}
}
