package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/partition"
	"github.com/meshcache/meshcache/core/transport"
	"github.com/meshcache/meshcache/core/txn"
)

// handle dispatches one inbound protocol message. Every response is a
// Message; protocol failures travel as wire error codes, transport errors
// as Go errors.
func (n *Node) handle(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	switch msg.Type {
	case transport.MsgLock:
		timeout := time.Duration(msg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = n.cfg.LockTimeout
		}
		if err := n.store.TryLock(ctx, msg.Part, msg.Key, msg.TxID, timeout); err != nil {
			return &transport.Message{Type: transport.MsgError, Error: encodeWireError(err)}, nil
		}
		return &transport.Message{Type: transport.MsgAck}, nil

	case transport.MsgUnlock:
		if err := n.store.Unlock(msg.Part, msg.Key, msg.TxID); err != nil {
			return &transport.Message{Type: transport.MsgError, Error: encodeWireError(err)}, nil
		}
		return &transport.Message{Type: transport.MsgAck}, nil

	case transport.MsgRead:
		value, version, ok := n.store.Read(msg.Part, msg.Key)
		if ok && msg.From != "" && msg.From != n.id {
			n.registerShadow(msg.Key, msg.From)
		}
		return &transport.Message{
			Type: transport.MsgAck, Found: ok, Value: value, Version: version,
		}, nil

	case transport.MsgCommitWrite:
		version, err := n.commitLocal(ctx, msg.Part, msg.Key, msg.TxID, msg.Value, msg.Version)
		if err != nil {
			return &transport.Message{Type: transport.MsgError, Error: encodeWireError(err)}, nil
		}
		return &transport.Message{Type: transport.MsgAck, Version: version}, nil

	case transport.MsgReplicate:
		n.store.ApplyReplicated(msg.Part, msg.Key, msg.Value, msg.Version)
		return &transport.Message{Type: transport.MsgAck}, nil

	case transport.MsgNearPush:
		n.near.Update(msg.Key, msg.Value, msg.Version, msg.From)
		return &transport.Message{Type: transport.MsgAck}, nil

	case transport.MsgSnapshot:
		entries := n.store.Entries(msg.Part)
		payload, err := json.Marshal(entries)
		if err != nil {
			return &transport.Message{Type: transport.MsgError, Error: err.Error()}, nil
		}
		return &transport.Message{Type: transport.MsgAck, Value: payload}, nil

	default:
		return &transport.Message{Type: transport.MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)}, nil
	}
}

// commitLocal is the primary-side commit step for one key: verify
// authority and version, replicate to backups, apply locally, push to near
// shadows. Replication precedes the local write so a fully failed
// replication leaves the primary untouched and the transaction can still
// roll back cleanly.
func (n *Node) commitLocal(ctx context.Context, part int, key, txID string, value []byte, expectedVersion uint64) (uint64, error) {
	a := n.assignment()
	if a.Primary(part) != n.id {
		// Ownership moved after the lock was taken; the coordinator maps
		// this to a retryable, rebalance-distinct failure.
		return 0, txn.ErrPartitionOwnerChanged
	}

	_, current, _ := n.store.Read(part, key)
	if current != expectedVersion {
		return 0, partition.ErrVersionConflict
	}
	newVersion := expectedVersion + 1

	backups := a.Backups(part)
	acks, unreachable := n.replicateToBackups(ctx, backups, part, key, value, newVersion)
	if n.cfg.SyncReplication && len(backups) > 0 && acks == 0 {
		// Zero acknowledgements would fail the commit, so retry the sends in
		// place, bounded by the retry budget, before surfacing.
		for attempt := 0; attempt < n.cfg.MaxRetries && acks == 0; attempt++ {
			select {
			case <-time.After(replicationRetryDelay):
			case <-n.stop:
				return 0, txn.ErrReplicationFailure
			case <-ctx.Done():
				return 0, txn.ErrReplicationFailure
			}
			var got int
			got, unreachable = n.replicateToBackups(ctx, unreachable, part, key, value, newVersion)
			acks += got
		}
		if acks == 0 {
			return 0, txn.ErrReplicationFailure
		}
	}

	version, err := n.store.Write(part, key, txID, value, expectedVersion)
	if err != nil {
		return 0, err
	}

	// Unreachable backups are flagged for resync rather than failing the
	// commit, as long as at least one replica acknowledged.
	for _, b := range unreachable {
		n.scheduleResync(b, part, key, value, version)
	}

	n.pushNear(ctx, part, key, value, version)
	return version, nil
}

// replicationRetryDelay spaces the in-place send retries of a commit whose
// replication got zero acknowledgements.
const replicationRetryDelay = 50 * time.Millisecond

// replicateToBackups sends one replicated write to each target and reports
// the acknowledgement count and the targets that could not be reached.
func (n *Node) replicateToBackups(ctx context.Context, targets []string, part int, key string, value []byte, version uint64) (int, []string) {
	acks := 0
	var unreachable []string
	for _, b := range targets {
		if _, err := n.trans.Send(ctx, b, &transport.Message{
			Type: transport.MsgReplicate, From: n.id, Part: part, Key: key,
			Value: value, Version: version,
		}); err != nil {
			n.replFailures.Add(ctx, 1)
			n.log.Warn("backup replication failed",
				zap.String("backup", b), zap.String("key", key), zap.Error(err))
			unreachable = append(unreachable, b)
			continue
		}
		acks++
	}
	return acks, unreachable
}

// registerShadow records that holder keeps a near shadow of key.
func (n *Node) registerShadow(key, holder string) {
	n.shadowMu.Lock()
	defer n.shadowMu.Unlock()
	set, ok := n.shadows[key]
	if !ok {
		set = make(map[string]struct{})
		n.shadows[key] = set
	}
	set[holder] = struct{}{}
}

// pushNear sends the committed value to every node known to hold a shadow
// of key. Push failures drop the holder; it will re-register on its next
// read through the primary.
func (n *Node) pushNear(ctx context.Context, part int, key string, value []byte, version uint64) {
	n.shadowMu.Lock()
	holders := make([]string, 0, len(n.shadows[key]))
	for h := range n.shadows[key] {
		holders = append(holders, h)
	}
	n.shadowMu.Unlock()

	for _, h := range holders {
		if _, err := n.trans.Send(ctx, h, &transport.Message{
			Type: transport.MsgNearPush, From: n.id, Part: part, Key: key,
			Value: value, Version: version,
		}); err != nil {
			n.log.Debug("near push failed; dropping shadow holder",
				zap.String("holder", h), zap.String("key", key), zap.Error(err))
			n.shadowMu.Lock()
			if set, ok := n.shadows[key]; ok {
				delete(set, h)
				if len(set) == 0 {
					delete(n.shadows, key)
				}
			}
			n.shadowMu.Unlock()
		}
	}
}

// scheduleResync retries replication to an unreachable backup in the
// background, paced by the resync limiter and bounded by the retry budget.
func (n *Node) scheduleResync(backup string, part int, key string, value []byte, version uint64) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		attempts := n.cfg.MaxRetries + 1
		for attempt := 0; attempt < attempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := n.resyncLimit.Wait(ctx)
			if err == nil {
				_, err = n.trans.Send(ctx, backup, &transport.Message{
					Type: transport.MsgReplicate, From: n.id, Part: part, Key: key,
					Value: value, Version: version,
				})
			}
			cancel()
			if err == nil {
				n.log.Info("backup resynced",
					zap.String("backup", backup), zap.String("key", key), zap.Uint64("version", version))
				return
			}
			select {
			case <-n.stop:
				return
			default:
			}
		}
		n.log.Error("backup resync exhausted retries",
			zap.String("backup", backup), zap.String("key", key), zap.Uint64("version", version))
	}()
}
