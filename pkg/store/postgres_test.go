package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// Set SIMFLOW_TEST_POSTGRES_DSN to run against a live server.
func openPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("SIMFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIMFLOW_TEST_POSTGRES_DSN not set")
	}
	p, err := OpenPostgres(context.Background(), dsn, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresWriteRoundTrip(t *testing.T) {
	p := openPostgres(t)
	ref := relation.TableRef{Table: "simflow_test_" + uuid.NewString()[:8]}
	t.Cleanup(func() { p.Pool().Exec(context.Background(), postgresSQL.dropTable(ref.WithDefaultSchema("public"))) })

	for _, proto := range []Protocol{ProtocolBulk, ProtocolRowwise} {
		want := draws([]int64{1, 2, 3}, 2, 0.25)
		_, err := p.Write(context.Background(), ref, want, WriteOptions{Protocol: proto})
		require.NoError(t, err)
		assert.Equal(t, want, readBack(t, p, ref))
	}

	_, err := p.Write(context.Background(), ref, draws([]int64{9}, 1, 1), WriteOptions{Policy: PolicyFail})
	assert.True(t, sferrors.IsCode(err, sferrors.CodeSchemaMismatch))
}

func TestPostgresUnreachable(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "postgres://nobody@127.0.0.1:1/none?connect_timeout=1", logrus.New())
	assert.True(t, sferrors.IsCode(err, sferrors.CodeConnection))
}

func TestPostgresDoesNotHostExecution(t *testing.T) {
	var s Store = &Postgres{}
	_, ok := s.(Host)
	assert.False(t, ok)
}

func TestPgErrorCode(t *testing.T) {
	for state, want := range map[string]sferrors.Code{
		"22P02": sferrors.CodeSchema,
		"22003": sferrors.CodeSchema,
		"42P01": sferrors.CodeSchema,
		"42703": sferrors.CodeSchema,
		"08006": sferrors.CodeConnection,
		"57P01": sferrors.CodeConnection,
		"53100": sferrors.CodeUnknown,
	} {
		err := fmt.Errorf("query: %w", &pgconn.PgError{Code: state})
		code, reported := pgErrorCode(err)
		assert.True(t, reported, state)
		assert.Equal(t, want, code, state)
	}

	code, reported := pgErrorCode(errors.New("connection reset by peer"))
	assert.False(t, reported)
	assert.Equal(t, sferrors.CodeConnection, code)
}
