package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simflow/simflow/internal/logging"
	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/resilience"
	"github.com/simflow/simflow/pkg/simulate"
	"github.com/simflow/simflow/pkg/telemetry"
	"github.com/simflow/simflow/pkg/transport"
)

var roles = simulate.Roles{
	ID: "id", Partition: "day", PartitionType: "int",
	Target: "delay", Group: "carrier", Features: []string{"distance"},
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// flightsCSV has days 1..9, one row per day.
func flightsCSV() string {
	lines := []string{"id,day,delay,carrier,distance"}
	for i := 1; i <= 9; i++ {
		lines = append(lines, fmt.Sprintf("%d,%d,%d.5,%s,%d", i, i, i, []string{"AA", "UA", "DL"}[i%3], 100*i))
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestAccept(t *testing.T) {
	for name, want := range map[string]bool{
		"flights.csv":          true,
		"flights.PARQUET":      true,
		"dir/flights.pq":       true,
		".flights.csv.tmp.123": false,
		"~flights.csv":         false,
		"flights.draws.csv":    false,
		"flights.job.yaml":     false,
		"flights.csv.error":    false,
		"flights":              false,
	} {
		assert.Equal(t, want, Accept(name), name)
	}
}

func TestReadJob(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "flights.csv")
	assert.Equal(t, filepath.Join(dir, "flights.job.yaml"), JobFile(input))

	job, err := ReadJob(JobFile(input))
	require.NoError(t, err)
	assert.Equal(t, Job{}, job)

	write(t, JobFile(input), "")
	job, err = ReadJob(JobFile(input))
	require.NoError(t, err)
	assert.Equal(t, Job{}, job)

	write(t, JobFile(input), "batch_id: b1\nsims: 0\nsplit: \"7\"\nseed: 9\n")
	job, err = ReadJob(JobFile(input))
	require.NoError(t, err)
	require.NotNil(t, job.Sims)
	require.NotNil(t, job.Seed)
	assert.Equal(t, "b1", job.BatchID)
	assert.Equal(t, 0, *job.Sims)
	assert.Equal(t, "7", job.Split)
	assert.EqualValues(t, 9, *job.Seed)

	write(t, JobFile(input), "simz: 3\n")
	_, err = ReadJob(JobFile(input))
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
}

func TestInboxRequiresHandler(t *testing.T) {
	in := &Inbox{Dir: t.TempDir(), Done: t.TempDir(), Failed: t.TempDir()}
	err := in.Run(context.Background())
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
}

func TestInboxMovesHandledFiles(t *testing.T) {
	root := t.TempDir()
	in := &Inbox{
		Dir:      filepath.Join(root, "inbox"),
		Done:     filepath.Join(root, "done"),
		Failed:   filepath.Join(root, "failed"),
		Debounce: 20 * time.Millisecond,
		Workers:  2,
		Log:      logging.Discard(),
	}
	require.NoError(t, os.MkdirAll(in.Dir, 0o755))
	write(t, filepath.Join(in.Dir, "backlog.csv"), "id\n1\n")
	write(t, filepath.Join(in.Dir, "backlog.job.yaml"), "sims: 1\n")
	write(t, filepath.Join(in.Dir, "notes.txt"), "ignored")

	var mu sync.Mutex
	var handled []string
	in.Handle = func(_ context.Context, path string) error {
		mu.Lock()
		handled = append(handled, filepath.Base(path))
		mu.Unlock()
		if strings.HasPrefix(filepath.Base(path), "bad") {
			return sferrors.Integrity("non-finite draw")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(in.Done, "backlog.csv"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	write(t, filepath.Join(in.Dir, "fresh.parquet"), "not really parquet")
	write(t, filepath.Join(in.Dir, "bad.csv"), "id\n")

	assert.Eventually(t, func() bool {
		_, err1 := os.Stat(filepath.Join(in.Done, "fresh.parquet"))
		_, err2 := os.Stat(filepath.Join(in.Failed, "bad.csv.error"))
		return err1 == nil && err2 == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("inbox did not stop")
	}

	assert.FileExists(t, filepath.Join(in.Done, "backlog.job.yaml"))
	assert.FileExists(t, filepath.Join(in.Failed, "bad.csv"))
	assert.FileExists(t, filepath.Join(in.Dir, "notes.txt"))
	report, err := os.ReadFile(filepath.Join(in.Failed, "bad.csv.error"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "non-finite draw")

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"backlog.csv", "fresh.parquet", "bad.csv"}, handled)
}

func TestInboxLeavesInterruptedFiles(t *testing.T) {
	root := t.TempDir()
	in := &Inbox{
		Dir:    filepath.Join(root, "inbox"),
		Done:   filepath.Join(root, "done"),
		Failed: filepath.Join(root, "failed"),
		Log:    logging.Discard(),
	}
	require.NoError(t, os.MkdirAll(in.Dir, 0o755))
	write(t, filepath.Join(in.Dir, "slow.csv"), "id\n1\n")

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	in.Handle = func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	<-started
	cancel()
	<-done
	assert.FileExists(t, filepath.Join(in.Dir, "slow.csv"))
	assert.NoFileExists(t, filepath.Join(in.Failed, "slow.csv"))
}

func TestInboxContainsPanics(t *testing.T) {
	root := t.TempDir()
	cb := resilience.NewCircuitBreaker(1, time.Hour)
	in := &Inbox{
		Dir:     filepath.Join(root, "inbox"),
		Done:    filepath.Join(root, "done"),
		Failed:  filepath.Join(root, "failed"),
		Breaker: cb,
		Handle:  func(context.Context, string) error { panic("model exploded") },
		Log:     logging.Discard(),
	}
	require.NoError(t, os.MkdirAll(in.Dir, 0o755))
	write(t, filepath.Join(in.Dir, "a.csv"), "id\n1\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(in.Failed, "a.csv.error"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	report, err := os.ReadFile(filepath.Join(in.Failed, "a.csv.error"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "model exploded")
	// A panic is a job failure, not an environment one.
	assert.Equal(t, resilience.CircuitClosed, cb.State())
}

func TestQueueDedupes(t *testing.T) {
	q := newQueue()
	assert.True(t, q.push("a"))
	assert.False(t, q.push("a"))
	p, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "a", p)
	assert.False(t, q.push("a"), "in flight")
	q.done("a")
	assert.True(t, q.push("a"))
	q.close()
	_, ok = q.pop()
	assert.False(t, ok)
	assert.False(t, q.push("b"))
}

type recordingNotifier struct{ got []notify.Ready }

func (r *recordingNotifier) Notify(_ context.Context, ready notify.Ready) error {
	r.got = append(r.got, ready)
	return nil
}

func TestProcessorAppliesJobAndPublishes(t *testing.T) {
	inbox, out, pub := t.TempDir(), t.TempDir(), t.TempDir()
	input := filepath.Join(inbox, "flights.csv")
	write(t, input, flightsCSV())
	write(t, JobFile(input), "batch_id: b1\nsims: 3\nsplit: \"7\"\n")

	notifier := &recordingNotifier{}
	metrics := telemetry.NewMetrics()
	p := &Processor{
		Defaults: transport.PickupRequest{Sims: 1, Split: "1", Roles: roles},
		OutDir:   out,
		Outbox:   artifact.DirOutbox{Dir: pub},
		Notifier: notifier,
		Metrics:  metrics,
		Log:      logging.Discard(),
	}
	require.NoError(t, p.Handle(context.Background(), input))

	draws, err := artifact.ReadOutput(context.Background(), filepath.Join(out, "flights.draws.csv"))
	require.NoError(t, err)
	draws.Sort()
	assert.Equal(t, []int64{7, 7, 7, 8, 8, 8, 9, 9, 9}, draws.IDs)
	assert.FileExists(t, filepath.Join(pub, "flights.draws.csv"))

	require.Len(t, notifier.got, 1)
	ready := notifier.got[0]
	assert.Equal(t, "b1", ready.BatchID)
	assert.Equal(t, filepath.Join(pub, "flights.draws.csv"), ready.Artifact)
	assert.Empty(t, ready.Dest)
	assert.EqualValues(t, 9, ready.Rows)
	assert.Equal(t, 3, ready.Sims)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InboxArtifacts.WithLabelValues("success")))
}

func TestProcessorDefaultsWithoutJob(t *testing.T) {
	inbox, out := t.TempDir(), t.TempDir()
	input := filepath.Join(inbox, "day9.csv")
	write(t, input, flightsCSV())

	notifier := &recordingNotifier{}
	p := &Processor{
		Defaults: transport.PickupRequest{Sims: 2, Split: "9", Roles: roles},
		OutDir:   out,
		Notifier: notifier,
		Log:      logging.Discard(),
	}
	require.NoError(t, p.Handle(context.Background(), input))
	require.Len(t, notifier.got, 1)
	assert.Equal(t, "day9", notifier.got[0].BatchID)
	assert.Equal(t, filepath.Join(out, "day9.draws.csv"), notifier.got[0].Artifact)
	assert.Empty(t, notifier.got[0].Dest)
	assert.EqualValues(t, 2, notifier.got[0].Rows)
}

func TestProcessorFailure(t *testing.T) {
	inbox, out := t.TempDir(), t.TempDir()
	input := filepath.Join(inbox, "flights.csv")
	write(t, input, "id,day,carrier,distance\n1,1,AA,100\n")

	metrics := telemetry.NewMetrics()
	notifier := &recordingNotifier{}
	p := &Processor{
		Defaults: transport.PickupRequest{Sims: 1, Split: "1", Roles: roles},
		OutDir:   out,
		Notifier: notifier,
		Metrics:  metrics,
		Log:      logging.Discard(),
	}
	err := p.Handle(context.Background(), input)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeSchema))
	assert.NoFileExists(t, filepath.Join(out, "flights.draws.csv"))
	assert.Empty(t, notifier.got)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InboxArtifacts.WithLabelValues("failure")))
}

func TestInboxWithProcessor(t *testing.T) {
	root := t.TempDir()
	p := &Processor{
		Defaults: transport.PickupRequest{Sims: 2, Split: "8", Roles: roles},
		OutDir:   filepath.Join(root, "out"),
		Log:      logging.Discard(),
	}
	in := &Inbox{
		Dir:      filepath.Join(root, "inbox"),
		Done:     filepath.Join(root, "done"),
		Failed:   filepath.Join(root, "failed"),
		Debounce: 20 * time.Millisecond,
		Handle:   p.Handle,
		Log:      logging.Discard(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	// The inbox directory exists once Run is watching it.
	require.Eventually(t, func() bool {
		_, err := os.Stat(in.Dir)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	staged := filepath.Join(root, "flights.csv")
	write(t, staged, flightsCSV())
	require.NoError(t, os.Rename(staged, filepath.Join(in.Dir, "flights.csv")))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(in.Done, "flights.csv"))
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	draws, err := artifact.ReadOutput(context.Background(), filepath.Join(p.OutDir, "flights.draws.csv"))
	require.NoError(t, err)
	assert.Equal(t, 4, draws.Len())
}
