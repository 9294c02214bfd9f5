package transport

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/materialize"
	"github.com/simflow/simflow/pkg/relation"
	"github.com/simflow/simflow/pkg/simulate"
	"github.com/simflow/simflow/pkg/store"
)

var roles = simulate.Roles{
	ID: "id", Partition: "day", PartitionType: "int",
	Target: "delay", Group: "carrier", Features: []string{"distance"},
}

var (
	source = relation.TableRef{Table: "flights"}
	dest   = relation.TableRef{Table: "draws"}
)

func quiet() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func flights(n int) *relation.Input {
	carriers := []string{"AA", "UA", "DL"}
	in := &relation.Input{Schema: roles.InputSchema()}
	for i := 0; i < n; i++ {
		dist := float64(100 + 37*i%400)
		in.Rows = append(in.Rows, []any{int64(i + 1), int64(i), 5 + dist/50 + float64(i%3), carriers[i%3], dist})
	}
	return in
}

func openStore(t *testing.T) *store.DuckDB {
	t.Helper()
	d, err := store.OpenDuckDB(context.Background(), "", quiet())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Load(context.Background(), source, flights(60)))
	return d
}

// newJob simulates days 40..59 of the fixture: 20 rows, 4 draws each.
func newJob(t *testing.T, st store.Store) Job {
	t.Helper()
	sp, err := roles.SplitPoint("40")
	require.NoError(t, err)
	return Job{
		BatchID:      uuid.NewString(),
		Source:       source,
		Dest:         dest,
		Params:       materialize.Params{Sims: 4, Split: sp, Seed: 11},
		Policy:       store.PolicyReplace,
		Store:        st,
		Materializer: &materialize.Materializer{Roles: roles, Workers: 2, Log: quiet()},
		Log:          quiet(),
	}
}

// expected is the in-process materialization of job.
func expected(t *testing.T, job Job) *relation.Output {
	t.Helper()
	out, err := job.Materializer.Materialize(context.Background(), flights(60), job.Params)
	require.NoError(t, err)
	out.Sort()
	return out
}

func assertSameDraws(t *testing.T, want, got *relation.Output) {
	t.Helper()
	got.Sort()
	require.Equal(t, want.Len(), got.Len())
	assert.Equal(t, want.IDs, got.IDs)
	assert.Equal(t, want.SimIDs, got.SimIDs)
	assert.InDeltaSlice(t, want.Values, got.Values, 1e-9)
}

func readBack(t *testing.T, st store.Store) *relation.Output {
	t.Helper()
	out, err := store.ReadDraws(context.Background(), st, dest)
	require.NoError(t, err)
	return out
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"push", "PULL", "pickup"} {
		_, err := ParseKind(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseKind("carrier-pigeon")
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))

	_, err = New(Spec{Kind: "nope"})
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
	_, err = New(Spec{Kind: KindPush, Push: &PushConfig{Protocol: "telepathy"}})
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
}

func TestPushRoundTrip(t *testing.T) {
	for _, proto := range []store.Protocol{store.ProtocolBulk, store.ProtocolRowwise} {
		t.Run(string(proto), func(t *testing.T) {
			st := openStore(t)
			job := newJob(t, st)
			s, err := New(Spec{Kind: KindPush, Push: &PushConfig{Protocol: proto}})
			require.NoError(t, err)
			assert.Equal(t, KindPush, s.Kind())

			d, err := s.Deliver(context.Background(), job)
			require.NoError(t, err)
			assert.EqualValues(t, 80, d.Rows)
			assert.Equal(t, proto, d.Protocol)
			assert.Positive(t, d.WriteElapsed)

			assertSameDraws(t, expected(t, job), readBack(t, st))
		})
	}
}

func TestPushFailPolicyLeavesDestinationUnchanged(t *testing.T) {
	st := openStore(t)
	prior := relation.NewOutput(1)
	prior.Append(99, 1, 0.5)
	_, err := st.Write(context.Background(), dest, prior, store.WriteOptions{})
	require.NoError(t, err)

	job := newJob(t, st)
	job.Policy = store.PolicyFail
	s, err := New(Spec{Kind: KindPush})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), job)
	require.Error(t, err)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeSchemaMismatch))
	var se *sferrors.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageWrite, se.Stage)
	assert.Equal(t, string(KindPush), se.Strategy)

	assert.Equal(t, prior, readBack(t, st))
}

func TestPushMissingSourceIsSchemaError(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	job.Source = relation.TableRef{Table: "no_such_table"}
	s, err := New(Spec{Kind: KindPush})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), job)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeSchema))
	var se *sferrors.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageRead, se.Stage)
}

func TestPushNeedsStoreAndMaterializer(t *testing.T) {
	s, err := New(Spec{Kind: KindPush})
	require.NoError(t, err)
	_, err = s.Deliver(context.Background(), Job{Dest: dest})
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
}

func TestPullRoundTrip(t *testing.T) {
	st := openStore(t)
	job := newJob(t, st)
	s, err := New(Spec{Kind: KindPull})
	require.NoError(t, err)

	d, err := s.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.EqualValues(t, 80, d.Rows)
	assertSameDraws(t, expected(t, job), readBack(t, st))

	// A second delivery reuses the registered procedure.
	_, err = s.Deliver(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 80, readBack(t, st).Len())
}

type plainStore struct{ store.Store }

func (plainStore) Dialect() store.Dialect { return store.DialectPostgres }
func (plainStore) DefaultSchema() string  { return "public" }

func TestPullNeedsHostingStore(t *testing.T) {
	job := newJob(t, plainStore{})
	s, err := New(Spec{Kind: KindPull})
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), job)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeProtocolUnavailable))
	assert.False(t, sferrors.IsRetryable(err))
}

func TestStrategiesAgree(t *testing.T) {
	var got []*relation.Output
	for _, spec := range []Spec{
		{Kind: KindPush},
		{Kind: KindPull},
		{Kind: KindPickup, Pickup: childConfig(t, &PickupConfig{Load: true})},
	} {
		st := openStore(t)
		s, err := New(spec)
		require.NoError(t, err)
		_, err = s.Deliver(context.Background(), newJob(t, st))
		require.NoError(t, err, spec.Kind)
		out := readBack(t, st)
		out.Sort()
		got = append(got, out)
	}
	assertSameDraws(t, got[0], got[1])
	assertSameDraws(t, got[0], got[2])
}

func TestStagedWrapsPlainErrors(t *testing.T) {
	err := staged(context.Canceled, StageWrite, KindPush)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeCanceled))
	assert.ErrorIs(t, err, context.Canceled)

	err = staged(io.ErrUnexpectedEOF, StageRead, KindPickup)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeUnknown))
	var se *sferrors.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageRead, se.Stage)
	assert.Equal(t, "pickup", se.Strategy)

	assert.NoError(t, staged(nil, StageRead, KindPush))
}
