package batchqueue

import (
	"context"
	"fmt"

	"github.com/inngest/runengine/pkg/telemetry/metrics"
	"github.com/inngest/runengine/pkg/util"
)

// DRRResult is an item dequeued by a DRR iteration.
type DRRResult struct {
	DequeuedItem
	// EnvHasMoreBatches reports whether the environment has active batches
	// other than this item's.
	EnvHasMoreBatches bool
}

// PerformDRRIteration runs one deficit round robin pass.  Each active
// environment, in order of its oldest batch, gains a quantum of deficit and
// then has items dequeued from its oldest batches until the deficit is spent
// or it runs out of items.  An environment left without batches has its
// deficit reset.
func (b *BatchQueue) PerformDRRIteration(ctx context.Context) ([]DRRResult, error) {
	start := b.clock.Now()

	envs, err := b.activeEnvs(ctx)
	if err != nil {
		return nil, err
	}

	var results []DRRResult
	for _, envID := range envs {
		res, err := b.serviceEnv(ctx, envID)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}

	metrics.HistogramDRRIterationDuration(ctx, b.clock.Since(start).Milliseconds(), metrics.HistogramOpt{PkgName: pkgName})
	metrics.GaugeActiveBatches(ctx, int64(len(envs)), metrics.GaugeOpt{
		PkgName: pkgName,
		Tags:    map[string]any{"unit": "env"},
	})
	return results, nil
}

func (b *BatchQueue) serviceEnv(ctx context.Context, envID string) ([]DRRResult, error) {
	deficit, err := b.addQuantum(ctx, envID)
	if err != nil {
		return nil, err
	}

	var (
		results []DRRResult
		empty   bool
	)
	for deficit > 0 {
		batchID, ok, err := b.oldestBatch(ctx, envID)
		if err != nil {
			return results, err
		}
		if !ok {
			empty = true
			break
		}

		item, err := b.DequeueItem(ctx, batchID, envID)
		if err != nil {
			return results, err
		}
		if item == nil {
			// Emptied by another consumer; the script unlisted it.
			continue
		}

		deficit, err = b.decrementDeficit(ctx, envID)
		if err != nil {
			return results, err
		}

		others := item.envBatchesRemaining
		if !item.IsBatchComplete {
			others--
		}
		results = append(results, DRRResult{
			DequeuedItem:      *item,
			EnvHasMoreBatches: others > 0,
		})

		if item.IsBatchComplete && item.envBatchesRemaining == 0 {
			empty = true
			break
		}
	}

	if empty {
		if err := b.ResetDeficit(ctx, envID); err != nil {
			return results, err
		}
		if err := b.unlistEnv(ctx, envID); err != nil {
			return results, err
		}
	}
	return results, nil
}

// activeEnvs returns the distinct environments in the master queue ordered by
// their oldest batch.
func (b *BatchQueue) activeEnvs(ctx context.Context) ([]string, error) {
	members, err := b.client.Do(ctx, b.client.B().Zrange().Key(b.kg.MasterQueueKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("error reading batch master queue: %w", err)
	}

	seen := map[string]struct{}{}
	envs := []string{}
	for _, m := range members {
		envID, _, err := b.kg.ParseMasterQueueMember(m)
		if err != nil {
			b.log.Warn("skipping malformed batch master queue member", "member", m, "error", err)
			continue
		}
		if _, ok := seen[envID]; ok {
			continue
		}
		seen[envID] = struct{}{}
		envs = append(envs, envID)
	}
	return envs, nil
}

func (b *BatchQueue) oldestBatch(ctx context.Context, envID string) (string, bool, error) {
	res, err := b.client.Do(ctx, b.client.B().Zrange().Key(b.kg.EnvBatchesKey(envID)).Min("0").Max("0").Build()).AsStrSlice()
	if err != nil {
		return "", false, fmt.Errorf("error reading environment batches: %w", err)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	return res[0], true, nil
}

// unlistEnv removes master queue members of an environment that has no
// active batches left, which only exist if the two sets diverged.
func (b *BatchQueue) unlistEnv(ctx context.Context, envID string) error {
	members, err := b.client.Do(ctx, b.client.B().Zrange().Key(b.kg.MasterQueueKey()).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("error reading batch master queue: %w", err)
	}
	var stale []string
	for _, m := range members {
		if id, _, err := b.kg.ParseMasterQueueMember(m); err == nil && id == envID {
			stale = append(stale, m)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	b.log.Warn("removing stale batch master queue members", "env_id", envID, "members", stale)
	if err := b.client.Do(ctx, b.client.B().Zrem().Key(b.kg.MasterQueueKey()).Member(stale...).Build()).Error(); err != nil {
		return fmt.Errorf("error removing stale batches: %w", err)
	}
	return nil
}

func (b *BatchQueue) addQuantum(ctx context.Context, envID string) (int, error) {
	args, err := util.StrSlice([]any{envID, b.quantum, b.maxDeficit})
	if err != nil {
		return 0, err
	}

	n, err := scripts["addQuantum"].Exec(
		ctx,
		b.client,
		[]string{b.kg.DeficitKey()},
		args,
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error adding quantum: %w", err)
	}
	return int(n), nil
}

func (b *BatchQueue) decrementDeficit(ctx context.Context, envID string) (int, error) {
	n, err := scripts["decrementDeficit"].Exec(
		ctx,
		b.client,
		[]string{b.kg.DeficitKey()},
		[]string{envID},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("error decrementing deficit: %w", err)
	}
	return int(n), nil
}
