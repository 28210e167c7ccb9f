package runqueue

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/sampleuv"
	"lukechampine.com/frand"
)

var ErrWeightedSampleRead = fmt.Errorf("error reading from weighted sample")

// QueueCandidate is a queue listed in a master queue with a ready message.
type QueueCandidate struct {
	QueueKey      string
	EnvironmentID string
	// OldestMessage is the queue's score in the master queue.
	OldestMessage time.Time
	Age           time.Duration
}

// QueueChoice is a strategy's ordering of candidates.  Abort is set when
// there is nothing to dequeue.
type QueueChoice struct {
	Queues []string
	Abort  bool
}

// SelectionStrategy orders candidate queues for a shared dequeue.
type SelectionStrategy interface {
	ChooseQueues(ctx context.Context, candidates []QueueCandidate) (QueueChoice, error)
}

// SharedQueueDetails exposes a strategy's view of a master queue.
type SharedQueueDetails struct {
	MasterQueue string
	Candidates  []QueueCandidate
	Choice      QueueChoice
}

// NewWeightedRandomStrategy returns a strategy that shuffles candidates with
// weights proportional to the age of their oldest message, so that old work
// is favoured while every queue keeps a chance of being picked first.
func NewWeightedRandomStrategy() SelectionStrategy {
	return &weightedRandomStrategy{
		rnd: &frandRNG{RNG: frand.New(), lock: &sync.Mutex{}},
	}
}

type weightedRandomStrategy struct {
	rnd *frandRNG
}

func (s *weightedRandomStrategy) ChooseQueues(ctx context.Context, candidates []QueueCandidate) (QueueChoice, error) {
	if len(candidates) == 0 {
		return QueueChoice{Abort: true}, nil
	}

	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		// +1 keeps brand new queues selectable.
		weights[i] = float64(c.Age.Milliseconds()) + 1
	}

	w := sampleuv.NewWeighted(weights, s.rnd)
	result := make([]string, len(candidates))
	for n := range result {
		idx, ok := w.Take()
		if !ok {
			return QueueChoice{}, ErrWeightedSampleRead
		}
		result[n] = candidates[idx].QueueKey
	}
	return QueueChoice{Queues: result}, nil
}

// NewOldestFirstStrategy orders candidates strictly by age.
func NewOldestFirstStrategy() SelectionStrategy {
	return oldestFirstStrategy{}
}

type oldestFirstStrategy struct{}

func (oldestFirstStrategy) ChooseQueues(ctx context.Context, candidates []QueueCandidate) (QueueChoice, error) {
	if len(candidates) == 0 {
		return QueueChoice{Abort: true}, nil
	}
	// Candidates are read in score order.
	result := make([]string, len(candidates))
	for i, c := range candidates {
		result[i] = c.QueueKey
	}
	return QueueChoice{Queues: result}, nil
}

// GetSharedQueueDetails reads up to the selection count of ready queues from
// the named master queue and returns them with the strategy's choice.
func (q *RunQueue) GetSharedQueueDetails(ctx context.Context, masterQueue string) (SharedQueueDetails, error) {
	now := q.clock.Now()
	details := SharedQueueDetails{MasterQueue: masterQueue}

	cmd := q.client.B().Zrangebyscore().
		Key(q.kg.MasterQueueKey(masterQueue)).
		Min("-inf").
		Max(strconv.FormatInt(now.UnixMilli(), 10)).
		Withscores().
		Limit(0, int64(q.selectionCount)).
		Build()
	scores, err := q.client.Do(ctx, cmd).AsZScores()
	if err != nil {
		return details, fmt.Errorf("error reading master queue: %w", err)
	}

	for _, z := range scores {
		oldest := time.UnixMilli(int64(z.Score))
		c := QueueCandidate{
			QueueKey:      z.Member,
			OldestMessage: oldest,
			Age:           now.Sub(oldest),
		}
		if c.Age < 0 {
			c.Age = 0
		}
		if d, err := q.kg.Descriptor(z.Member); err == nil {
			c.EnvironmentID = d.EnvironmentID
		}
		details.Candidates = append(details.Candidates, c)
	}

	details.Choice, err = q.strategy.ChooseQueues(ctx, details.Candidates)
	if err != nil {
		return details, err
	}
	return details, nil
}

// frandRNG is a fast crypto-secure prng which uses a mutex to guard
// parallel reads.  It implements the x/exp/rand.Source interface used by
// sampleuv by adding a Seed() method which does nothing.
type frandRNG struct {
	*frand.RNG
	lock *sync.Mutex
}

func (f *frandRNG) Uint64() uint64 {
	return f.Uint64n(math.MaxUint64)
}

func (f *frandRNG) Uint64n(n uint64) uint64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.RNG.Uint64n(n)
}

func (f *frandRNG) Float64() float64 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.RNG.Float64()
}

func (f *frandRNG) Seed(seed uint64) {}
