package kafka

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

/*
OffsetLedger is a thread-safe, in-memory record of the committed position of
every partition the client has been assigned. Positions follow Kafka's
convention: the committed position is one past the offset of the last
committed record.

Commit consults the ledger before talking to the broker so that
acknowledging a record twice, or acknowledging an older record after a newer
one, is a no-op. A committed position therefore never moves backwards.

Partitions removed by a rebalance are remembered until they are assigned
again; commits for them are dropped because another group member now owns
them.
*/
type OffsetLedger struct {
	mu        sync.Mutex
	positions map[PartitionKey]int64
	revoked   map[PartitionKey]struct{}
	log       *zap.SugaredLogger
}

// NewOffsetLedger creates an empty ledger.
func NewOffsetLedger(log *zap.SugaredLogger) *OffsetLedger {
	return &OffsetLedger{
		positions: make(map[PartitionKey]int64),
		revoked:   make(map[PartitionKey]struct{}),
		log:       log,
	}
}

// Assign records the committed positions reported by the broker for newly
// assigned partitions. A negative position means the group has none stored.
func (l *OffsetLedger) Assign(positions map[PartitionKey]int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logStr := make([]string, 0, len(positions))
	for key, pos := range positions {
		delete(l.revoked, key)
		if pos < 0 {
			delete(l.positions, key)
		} else {
			l.positions[key] = pos
		}
		logStr = append(logStr, fmt.Sprintf("(%s, committed: %d)", key, pos))
	}
	slices.Sort(logStr)
	l.log.Infof("rebalance event, adding partition states: %s", strings.Join(logStr, ","))
}

// Revoke forgets the given partitions and drops later commits for them.
func (l *OffsetLedger) Revoke(keys []PartitionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logStr := make([]string, len(keys))
	for i, key := range keys {
		delete(l.positions, key)
		l.revoked[key] = struct{}{}
		logStr[i] = key.String()
	}
	l.log.Infof("rebalance event, removing state for partitions: %s", strings.Join(logStr, ","))
}

// Position returns the committed position of key, if known.
func (l *OffsetLedger) Position(key PartitionKey) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[key]
	return pos, ok
}

// Commit calls commit with rec.Offset+1 unless that would not advance the
// partition's committed position. It reports whether commit was called
// and succeeded. The ledger lock is held across commit so concurrent callers
// cannot reorder commits of the same partition.
func (l *OffsetLedger) Commit(rec InboundRecord, commit func(next int64) error) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.PartitionKey()
	if _, ok := l.revoked[key]; ok {
		l.log.Debugw("dropping commit for revoked partition", "partition", key.String(), "offset", rec.Offset)
		return false, nil
	}

	next := rec.Offset + 1
	if pos, ok := l.positions[key]; ok && next <= pos {
		l.log.Debugw("offset already committed",
			"partition", key.String(),
			"offset", rec.Offset,
			"committed", pos,
		)
		return false, nil
	}

	if err := commit(next); err != nil {
		return false, err
	}
	l.positions[key] = next
	return true, nil
}
