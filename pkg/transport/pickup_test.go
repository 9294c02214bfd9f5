package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simflow/simflow/pkg/artifact"
	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/notify"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
	"github.com/simflow/simflow/pkg/telemetry"
)

// childEnv makes the test binary act as the pickup process.
const childEnv = "SIMFLOW_TRANSPORT_CHILD"

// slowChild is how long the "slow" child waits before simulating.
const slowChild = 300 * time.Millisecond

func TestMain(m *testing.M) {
	switch os.Getenv(childEnv) {
	case "":
		os.Exit(m.Run())
	case "slow":
		time.Sleep(slowChild)
		os.Exit(childMain(os.Args[1:]))
	case "integrity":
		fmt.Fprintln(os.Stderr, "level=error msg=\"duplicate draw for id=3 sim_id=1\"")
		os.Exit(sferrors.ExitIntegrity)
	default:
		os.Exit(childMain(os.Args[1:]))
	}
}

func childMain(args []string) int {
	if len(args) == 0 || args[0] != "simulate" {
		fmt.Fprintf(os.Stderr, "unexpected arguments %q\n", args)
		return sferrors.ExitFailure
	}
	var req PickupRequest
	fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	req.BindFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return sferrors.ExitFailure
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	err := RunProcess(context.Background(), req, log)
	if err != nil {
		log.WithError(err).Error("simulate failed")
	}
	return sferrors.ExitCode(err)
}

// childConfig points cfg at the test binary.
func childConfig(t *testing.T, cfg *PickupConfig) *PickupConfig {
	t.Helper()
	cfg.Command = []string{os.Args[0]}
	cfg.Env = append(cfg.Env, childEnv+"=1")
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	return cfg
}

type recordingNotifier struct{ got []notify.Ready }

func (r *recordingNotifier) Notify(_ context.Context, ready notify.Ready) error {
	r.got = append(r.got, ready)
	return nil
}

func TestPickupLoadsVerifiedOutput(t *testing.T) {
	for _, format := range []artifact.Format{artifact.FormatCSV, artifact.FormatParquet} {
		t.Run(string(format), func(t *testing.T) {
			st := openStore(t)
			job := newJob(t, st)
			metrics := telemetry.NewMetrics()
			cfg := childConfig(t, &PickupConfig{Load: true, Format: format, Metrics: metrics})
			s, err := New(Spec{Kind: KindPickup, Pickup: cfg})
			require.NoError(t, err)

			d, err := s.Deliver(context.Background(), job)
			require.NoError(t, err)
			assert.EqualValues(t, 80, d.Rows)
			assertSameDraws(t, expected(t, job), readBack(t, st))
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PickupExits.WithLabelValues("0")))

			// Loaded batches do not leave artifacts behind.
			entries, err := os.ReadDir(cfg.WorkDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPickupTimesProcessAndLoad(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	cfg := childConfig(t, &PickupConfig{Load: true})
	cfg.Env = append(cfg.Env, childEnv+"=slow")
	s, err := New(Spec{Kind: KindPickup, Pickup: cfg})
	require.NoError(t, err)

	d, err := s.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.EqualValues(t, 80, d.Rows)
	assert.GreaterOrEqual(t, d.WriteElapsed, slowChild)
}

func TestPickupWithoutLoadLeavesArtifact(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	job.Dest = relation.TableRef{}
	s, err := New(Spec{Kind: KindPickup, Pickup: childConfig(t, &PickupConfig{})})
	require.NoError(t, err)

	d, err := s.Deliver(context.Background(), job)
	require.NoError(t, err)
	require.FileExists(t, d.Artifact)

	out, err := artifact.ReadOutput(context.Background(), d.Artifact)
	require.NoError(t, err)
	assertSameDraws(t, expected(t, job), out)

	ok, err := st.Exists(context.Background(), dest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPickupPublishesAndNotifies(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	outbox := artifact.DirOutbox{Dir: t.TempDir()}
	notifier := &recordingNotifier{}
	s, err := New(Spec{Kind: KindPickup, Pickup: childConfig(t, &PickupConfig{Outbox: outbox, Notifier: notifier})})
	require.NoError(t, err)

	d, err := s.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outbox.Dir, "draws.csv"), d.Artifact)
	assert.FileExists(t, d.Artifact)

	require.Len(t, notifier.got, 1)
	assert.Equal(t, job.BatchID, notifier.got[0].BatchID)
	assert.Equal(t, d.Artifact, notifier.got[0].Artifact)
	assert.Empty(t, notifier.got[0].Dest)
	assert.EqualValues(t, 80, notifier.got[0].Rows)
	assert.Equal(t, 4, notifier.got[0].Sims)
}

func TestPickupNotifiesLoadedTable(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	notifier := &recordingNotifier{}
	s, err := New(Spec{Kind: KindPickup, Pickup: childConfig(t, &PickupConfig{Load: true, Notifier: notifier})})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, notifier.got, 1)
	assert.Equal(t, dest.WithDefaultSchema("main").String(), notifier.got[0].Dest)
	assert.Empty(t, notifier.got[0].Artifact)
}

func TestPickupMapsExitStatus(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	metrics := telemetry.NewMetrics()
	cfg := &PickupConfig{
		Command: []string{os.Args[0]},
		Env:     []string{childEnv + "=integrity"},
		WorkDir: t.TempDir(),
		Load:    true,
		Metrics: metrics,
	}
	s, err := New(Spec{Kind: KindPickup, Pickup: cfg})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), job)
	require.Error(t, err)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeIntegrity))

	var se *sferrors.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageProcess, se.Stage)
	assert.Equal(t, sferrors.ExitIntegrity, se.Context["exit_code"])
	assert.Contains(t, se.Context["stderr"], "duplicate draw")

	ok, err := st.Exists(context.Background(), dest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPickupMissingExecutable(t *testing.T) {
	st := openStore(t)
	cfg := &PickupConfig{Command: []string{filepath.Join(t.TempDir(), "missing")}, WorkDir: t.TempDir()}
	s, err := New(Spec{Kind: KindPickup, Pickup: cfg})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), newJob(t, st))
	assert.True(t, sferrors.IsCode(err, sferrors.CodeProtocolUnavailable))
}

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestRunProcessMissingColumnWritesNothing(t *testing.T) {
	input := writeCSV(t,
		"id,day,carrier,distance",
		"1,0,AA,100",
		"2,1,UA,200",
	)
	output := filepath.Join(t.TempDir(), "draws.csv")
	err := RunProcess(context.Background(), PickupRequest{
		Sims: 2, Split: "1", Input: input, Output: output, Roles: roles,
	}, quiet())
	require.Error(t, err)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeSchema))
	assert.Equal(t, sferrors.ExitSchema, sferrors.ExitCode(err))
	assert.NoFileExists(t, output)
}

func TestRunProcessThreeRowsTwoSims(t *testing.T) {
	lines := []string{"id,day,delay,carrier,distance"}
	for i := 1; i <= 9; i++ {
		lines = append(lines, fmt.Sprintf("%d,%d,%d.5,%s,%d", i, i, i, []string{"AA", "UA", "DL"}[i%3], 100*i))
	}
	output := filepath.Join(t.TempDir(), "draws.csv")
	err := RunProcess(context.Background(), PickupRequest{
		Sims: 2, Split: "7", Seed: 1, Input: writeCSV(t, lines...), Output: output, Roles: roles,
	}, quiet())
	require.NoError(t, err)

	out, err := artifact.ReadOutput(context.Background(), output)
	require.NoError(t, err)
	out.Sort()
	assert.Equal(t, []int64{7, 7, 8, 8, 9, 9}, out.IDs)
	assert.Equal(t, []int64{1, 2, 1, 2, 1, 2}, out.SimIDs)
}

func TestRunProcessRejectsBadArguments(t *testing.T) {
	for name, req := range map[string]PickupRequest{
		"negative sims": {Sims: -1, Split: "1", Input: "in.csv", Output: "out.csv", Roles: roles},
		"no input":      {Sims: 1, Split: "1", Output: "out.csv", Roles: roles},
		"bad split":     {Sims: 1, Split: "monday", Input: "in.csv", Output: "out.csv", Roles: roles},
	} {
		err := RunProcess(context.Background(), req, quiet())
		assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig), name)
		assert.Equal(t, sferrors.ExitFailure, sferrors.ExitCode(err), name)
	}
}

func TestPickupRequestArgsRoundTrip(t *testing.T) {
	want := PickupRequest{
		Sims: 7, Split: "2024-01-03T00:00:00Z", Seed: 1 << 63, Input: "/tmp/in.csv", Output: "/tmp/out.parquet",
		Workers: 3, Roles: roles,
	}
	got := PickupRequest{Roles: simulate.DefaultRoles()}
	fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	got.BindFlags(fs)
	require.NoError(t, fs.Parse(want.Args()))
	assert.Equal(t, want, got)

	// Empty group and features override non-empty defaults.
	want.Roles.Group, want.Roles.Features = "", []string{}
	got = PickupRequest{Roles: simulate.DefaultRoles()}
	fs = pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	got.BindFlags(fs)
	require.NoError(t, fs.Parse(want.Args()))
	assert.Empty(t, got.Roles.Group)
	assert.Empty(t, got.Roles.Features)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 8}
	fmt.Fprint(b, "0123456789")
	fmt.Fprint(b, "ab")
	assert.Equal(t, "456789ab", b.String())
}
