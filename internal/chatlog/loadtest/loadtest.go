// Package loadtest measures the persistence path under concurrent writers.
//
// It simulates sync workers whose windows overlap: every writer commits a run
// of synthetic records, and consecutive writers share a configurable fraction
// of them. The run records commit latency and then verifies that every unique
// record was stored exactly once and credited to the checkpoint once.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mschirtzinger/chatlog/internal/chatlog/db"
	"github.com/mschirtzinger/chatlog/internal/chatlog/schema"
	"github.com/mschirtzinger/chatlog/internal/chatlog/writer"
)

// Channel is the channel the synthetic records are written to.
const Channel = "chatlog_loadtest"

// Options controls the shape of a load test.
type Options struct {
	Writers          int     // concurrent writers
	RecordsPerWriter int     // records each writer commits
	Overlap          float64 // fraction of a writer's records shared with the next one, [0, 1)
	BatchSize        int     // records per commit
}

// DefaultOptions returns a moderate load: 16 writers, 5000 records each,
// half of them overlapping.
func DefaultOptions() Options {
	return Options{
		Writers:          16,
		RecordsPerWriter: 5000,
		Overlap:          0.5,
		BatchSize:        writer.DefaultBatchSize,
	}
}

func (o Options) validate() error {
	if o.Writers <= 0 {
		return fmt.Errorf("writers must be positive (got %d)", o.Writers)
	}
	if o.RecordsPerWriter <= 0 {
		return fmt.Errorf("records per writer must be positive (got %d)", o.RecordsPerWriter)
	}
	if o.Overlap < 0 || o.Overlap >= 1 {
		return fmt.Errorf("overlap must be in [0, 1) (got %g)", o.Overlap)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive (got %d)", o.BatchSize)
	}
	return nil
}

// stride is the offset between the first records of consecutive writers.
func (o Options) stride() int {
	s := int(float64(o.RecordsPerWriter) * (1 - o.Overlap))
	if s < 1 {
		s = 1
	}
	return s
}

// Unique returns the number of distinct records the test generates.
func (o Options) Unique() int {
	return o.stride()*(o.Writers-1) + o.RecordsPerWriter
}

// LatencyStats captures commit latency.
type LatencyStats struct {
	Min          time.Duration `json:"min"`
	Max          time.Duration `json:"max"`
	Mean         time.Duration `json:"mean"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	P99          time.Duration `json:"p99"`
	TotalCommits int           `json:"total_commits"`
	Errors       int           `json:"errors"`
}

// Result is the outcome of a load test.
type Result struct {
	Options  Options       `json:"options"`
	Latency  *LatencyStats `json:"latency"`
	Written  int           `json:"written"`  // records submitted, duplicates included
	Unique   int           `json:"unique"`   // distinct records generated
	Inserted int           `json:"inserted"` // records the store reported as new
	Stored   int64         `json:"stored"`   // records in the store afterwards
	Credited int64         `json:"credited"` // checkpoint total afterwards
	Elapsed  time.Duration `json:"elapsed"`
}

// RecordsPerSecond returns the submitted-record throughput.
func (r *Result) RecordsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Written) / r.Elapsed.Seconds()
}

// Run executes a load test against store. The store should be empty or at
// least not contain the load test channel; the exactly-once check compares
// absolute counts.
func Run(ctx context.Context, store db.Store, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ch, err := store.EnsureChannel(ctx, Channel, schema.ChannelTypeName)
	if err != nil {
		return nil, fmt.Errorf("failed to create load test channel: %w", err)
	}

	w := writer.New(store, opts.BatchSize, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, opts.Writers)
	insertedChan := make(chan int, opts.Writers)
	errorsChan := make(chan error, opts.Writers)

	start := time.Now()
	for i := 0; i < opts.Writers; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			records := generateRecords(base, writerID*opts.stride(), opts.RecordsPerWriter)
			durations := make([]time.Duration, 0, len(records)/opts.BatchSize+1)
			inserted := 0

			for lo := 0; lo < len(records); lo += opts.BatchSize {
				hi := min(lo+opts.BatchSize, len(records))

				t0 := time.Now()
				res, err := w.Commit(ctx, ch.ID, records[lo:hi])
				durations = append(durations, time.Since(t0))
				inserted += res.Inserted

				if err != nil {
					errorsChan <- fmt.Errorf("writer %d commit at %d failed: %w", writerID, lo, err)
					break
				}
			}

			resultsChan <- durations
			insertedChan <- inserted
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	close(resultsChan)
	close(insertedChan)
	close(errorsChan)

	var all []time.Duration
	for d := range resultsChan {
		all = append(all, d...)
	}
	result := &Result{
		Options: opts,
		Latency: computeLatencyStats(all),
		Written: opts.Writers * opts.RecordsPerWriter,
		Unique:  opts.Unique(),
		Elapsed: elapsed,
	}
	for n := range insertedChan {
		result.Inserted += n
	}
	var firstErr error
	for err := range errorsChan {
		result.Latency.Errors++
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return result, firstErr
	}

	if result.Stored, err = store.CountRecords(ctx, ch.ID); err != nil {
		return result, fmt.Errorf("failed to count records: %w", err)
	}
	cp, err := store.Checkpoint(ctx, ch.ID)
	if err != nil {
		return result, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp != nil {
		result.Credited = cp.TotalMessagesIndexed
	}

	return result, result.Verify()
}

// Verify checks that every unique record was stored and credited exactly once.
func (r *Result) Verify() error {
	switch {
	case r.Stored != int64(r.Unique):
		return fmt.Errorf("stored %d records, expected %d unique", r.Stored, r.Unique)
	case r.Inserted != r.Unique:
		return fmt.Errorf("store reported %d inserts, expected %d unique", r.Inserted, r.Unique)
	case r.Credited != int64(r.Unique):
		return fmt.Errorf("checkpoint credited %d records, expected %d unique", r.Credited, r.Unique)
	}
	return nil
}

// generateRecords returns n records with sequence numbers from first on.
// Equal sequence numbers produce identical records, so overlapping writers
// submit true duplicates.
func generateRecords(base time.Time, first, n int) []*schema.Record {
	records := make([]*schema.Record, n)
	for i := range records {
		seq := first + i
		records[i] = &schema.Record{
			MessageID:   fmt.Sprintf("lt-%08d", seq),
			Text:        fmt.Sprintf("load test message %d", seq),
			DisplayName: fmt.Sprintf("user%d", seq%97),
			Timestamp:   base.Add(time.Duration(seq) * time.Second),
			UserID:      fmt.Sprintf("%d", 1000+seq%97),
		}
	}
	return records
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalCommits: len(durations),
	}
}

// Print writes a human-readable report of r.
func (r *Result) Print(out io.Writer) {
	fmt.Fprintf(out, "Load test: %d writers x %s records, %.0f%% overlap, batch %d\n",
		r.Options.Writers, humanize.Comma(int64(r.Options.RecordsPerWriter)),
		r.Options.Overlap*100, r.Options.BatchSize)
	fmt.Fprintf(out, "  Written:     %s (%s unique)\n", humanize.Comma(int64(r.Written)), humanize.Comma(int64(r.Unique)))
	fmt.Fprintf(out, "  Stored:      %s\n", humanize.Comma(r.Stored))
	fmt.Fprintf(out, "  Elapsed:     %v (%s records/s)\n", r.Elapsed.Round(time.Millisecond), humanize.Comma(int64(r.RecordsPerSecond())))
	fmt.Fprintf(out, "Commit latency:\n")
	fmt.Fprintf(out, "  Commits:     %d\n", r.Latency.TotalCommits)
	fmt.Fprintf(out, "  Errors:      %d\n", r.Latency.Errors)
	fmt.Fprintf(out, "  Min:         %v\n", r.Latency.Min)
	fmt.Fprintf(out, "  P50:         %v\n", r.Latency.P50)
	fmt.Fprintf(out, "  Mean:        %v\n", r.Latency.Mean)
	fmt.Fprintf(out, "  P95:         %v\n", r.Latency.P95)
	fmt.Fprintf(out, "  P99:         %v\n", r.Latency.P99)
	fmt.Fprintf(out, "  Max:         %v\n", r.Latency.Max)
}
