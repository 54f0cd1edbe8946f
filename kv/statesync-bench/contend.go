package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/montanaflynn/stats"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/tinysync/statesync/kv/transaction"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type contendOptions struct {
	workers    int
	keys       int
	ops        int
	rate       float64
	maxRetries uint64
}

type contendReport struct {
	ops       int
	succeeded int64
	failed    int64
	conflicts int64
	elapsed   time.Duration
	// latencies of every operation, retries included, in milliseconds.
	latencies stats.Float64Data
	// total is the sum of all counters after the run.
	total int
}

var contendArgs contendOptions

func newContendCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "contend",
		Short: "Increment a few hot counters from many workers, retrying on conflict",
		RunE:  runContendCommandFunc,
	}
	m.Flags().IntVar(&contendArgs.workers, "workers", 8, "concurrent workers")
	m.Flags().IntVar(&contendArgs.keys, "keys", 4, "number of hot keys")
	m.Flags().IntVar(&contendArgs.ops, "ops", 1000, "total increments")
	m.Flags().Float64Var(&contendArgs.rate, "rate", 0, "increments per second, 0 for unlimited")
	m.Flags().Uint64Var(&contendArgs.maxRetries, "max-retries", 100, "retries per increment on conflict")
	return m
}

func runContendCommandFunc(cmd *cobra.Command, args []string) error {
	_, engine, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.Error("stop engine", zap.Error(err))
		}
	}()

	report, err := runContend(globalContext, engine, contendArgs)
	if err != nil {
		return err
	}
	report.print()
	return nil
}

func counterKey(i int) []byte {
	return []byte(fmt.Sprintf("bench/counter/%d", i))
}

func runContend(ctx context.Context, engine *transaction.Engine, opts contendOptions) (*contendReport, error) {
	if opts.workers <= 0 || opts.keys <= 0 || opts.ops < 0 {
		return nil, errors.Errorf("invalid options %+v", opts)
	}
	keys := make([]*transaction.RefKey, opts.keys)
	for i := range keys {
		k, err := engine.Key(counterKey(i))
		if err != nil {
			return nil, err
		}
		defer k.Release()
		keys[i] = k
	}

	var bucket *ratelimit.Bucket
	if opts.rate > 0 {
		bucket = ratelimit.NewBucketWithRate(opts.rate, int64(opts.rate)+1)
	}

	report := &contendReport{ops: opts.ops, latencies: make(stats.Float64Data, 0, opts.ops)}
	var (
		mu        sync.Mutex
		attempts  = atomic.NewInt64(0)
		succeeded = atomic.NewInt64(0)
		failed    = atomic.NewInt64(0)
	)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		n := opts.ops / opts.workers
		if w < opts.ops%opts.workers {
			n++
		}
		seed := int64(w)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < n; i++ {
				if bucket != nil {
					bucket.Wait(1)
				}
				key := keys[rnd.Intn(len(keys))]
				opStart := time.Now()
				r, err := transaction.RetryOnConflict(ctx, engine, opts.maxRetries, func(txn *transaction.Txn) error {
					attempts.Inc()
					return incrementCounter(engine, txn, key)
				})
				if err != nil {
					return err
				}
				switch r.Outcome {
				case commit.Succeeded:
					succeeded.Inc()
				default:
					failed.Inc()
					log.Warn("increment gave up", zap.Stringer("outcome", r.Outcome), zap.Error(r.Err))
				}
				mu.Lock()
				report.latencies = append(report.latencies, float64(time.Since(opStart))/float64(time.Millisecond))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.elapsed = time.Since(start)
	report.succeeded = succeeded.Load()
	report.failed = failed.Load()
	report.conflicts = attempts.Load() - int64(opts.ops)

	for _, key := range keys {
		n, err := readCounter(engine, key)
		if err != nil {
			return nil, err
		}
		report.total += n
	}
	return report, nil
}

// incrementCounter stages counter+1 for slot 0 of key. The key is required before it is read.
func incrementCounter(engine *transaction.Engine, txn *transaction.Txn, key *transaction.RefKey) error {
	if err := txn.Require(key); err != nil {
		return err
	}
	n, err := readCounter(engine, key)
	if err != nil {
		return err
	}
	return txn.Set(key, 0, []byte(strconv.Itoa(n+1)))
}

func readCounter(engine *transaction.Engine, key *transaction.RefKey) (int, error) {
	value, _, err := engine.Storage().Get(key.Name(), 0)
	if err != nil || value == nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(value))
	return n, errors.Annotatef(err, "counter %s", key)
}

func (r *contendReport) print() {
	fmt.Printf("ops: %d, succeeded: %d, failed: %d, conflicts: %d, takes %s\n",
		r.ops, r.succeeded, r.failed, r.conflicts, r.elapsed)
	if r.elapsed > 0 {
		fmt.Printf("throughput: %.1f ops/s\n", float64(r.succeeded)/r.elapsed.Seconds())
	}
	for _, p := range []float64{50, 90, 99} {
		v, err := stats.Percentile(r.latencies, p)
		if err != nil {
			continue
		}
		fmt.Printf("p%.0f: %.3fms\n", p, v)
	}
	if slowest, err := stats.Max(r.latencies); err == nil {
		fmt.Printf("max: %.3fms\n", slowest)
	}
	fmt.Printf("counter total: %d\n", r.total)
}
