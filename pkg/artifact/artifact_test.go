package artifact

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

var flightSchema = relation.Schema{
	{Name: "id", Type: relation.TypeInt},
	{Name: "flight_date", Type: relation.TypeTimestamp},
	{Name: "carrier", Type: relation.TypeString, Nullable: true},
	{Name: "delay", Type: relation.TypeFloat, Nullable: true},
}

func flightInput() *relation.Input {
	return &relation.Input{
		Schema: flightSchema,
		Rows: [][]any{
			{int64(1), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), "AA", 12.5},
			{int64(2), time.Date(2024, 1, 4, 6, 30, 0, 0, time.UTC), nil, nil},
		},
	}
}

func sampleDraws() *relation.Output {
	out := relation.NewOutput(4)
	out.Append(1, 1, 1.5)
	out.Append(1, 2, -0.25)
	out.Append(2, 1, 3)
	out.Append(2, 2, 10.125)
	return out
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCSVOutputFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draws.csv")
	require.NoError(t, WriteOutput(context.Background(), path, sampleDraws()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	golden(t).Assert(t, "draws", data)
}

func TestCSVInputFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, WriteInput(context.Background(), path, flightInput()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	golden(t).Assert(t, "input", data)
}

func TestRoundTrip(t *testing.T) {
	for _, ext := range []string{".csv", ".parquet"} {
		t.Run(ext, func(t *testing.T) {
			dir := t.TempDir()

			in := filepath.Join(dir, "input"+ext)
			require.NoError(t, WriteInput(context.Background(), in, flightInput()))
			gotIn, err := ReadInput(context.Background(), in, flightSchema)
			require.NoError(t, err)
			assert.Equal(t, flightInput().Rows, gotIn.Rows)

			out := filepath.Join(dir, "draws"+ext)
			require.NoError(t, WriteOutput(context.Background(), out, sampleDraws()))
			gotOut, err := ReadOutput(context.Background(), out)
			require.NoError(t, err)
			assert.Equal(t, sampleDraws(), gotOut)
		})
	}
}

func TestReadMatchesHeaderNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"note,delay,id,carrier,flight_date\n"+
			"x,1.25,7,DL,2024-02-01\n"+
			"y,,8,UA,2024-02-02 10:00:00\n"), 0o644))

	in, err := ReadInput(context.Background(), path, flightSchema)
	require.NoError(t, err)
	require.Equal(t, 2, in.Len())
	assert.Equal(t, []any{int64(7), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "DL", 1.25}, in.Rows[0])
	assert.Equal(t, []any{int64(8), time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC), "UA", nil}, in.Rows[1])
}

func TestReadSchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing column", "id,flight_date,carrier\n1,2024-01-01,AA\n"},
		{"bad integer", "id,flight_date,carrier,delay\nabc,2024-01-01,AA,1\n"},
		{"bad timestamp", "id,flight_date,carrier,delay\n1,yesterday,AA,1\n"},
		{"null id", "id,flight_date,carrier,delay\n,2024-01-01,AA,1\n"},
		{"empty file", ""},
		{"duplicate header", "id,id,flight_date,carrier,delay\n1,1,2024-01-01,AA,1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "input.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := ReadInput(context.Background(), path, flightSchema)
			require.Error(t, err)
			assert.True(t, sferrors.IsCode(err, sferrors.CodeSchema), err.Error())
		})
	}
}

func TestReadOutputRejectsNullDraws(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draws.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,sim_id,value\n1,1,\n"), 0o644))
	_, err := ReadOutput(context.Background(), path)
	assert.True(t, sferrors.IsCode(err, sferrors.CodeIntegrity))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteOutput(context.Background(), filepath.Join(dir, "a.parquet"), sampleDraws()))
	require.NoError(t, WriteOutput(context.Background(), filepath.Join(dir, "a.parquet"), sampleDraws()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.parquet", entries[0].Name())
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatParquet, FormatOf("/x/y.PARQUET"))
	assert.Equal(t, FormatCSV, FormatOf("/x/y.txt"))
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	_, err = ParseFormat("xlsx")
	assert.Error(t, err)
}

func TestDirOutbox(t *testing.T) {
	src := filepath.Join(t.TempDir(), "draws.csv")
	require.NoError(t, WriteOutput(context.Background(), src, sampleDraws()))

	dir := t.TempDir()
	loc, err := DirOutbox{Dir: dir}.Publish(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "draws.csv"), loc)

	a, _ := os.ReadFile(src)
	b, _ := os.ReadFile(loc)
	assert.Equal(t, a, b)
}

func TestS3OutboxUploads(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPut {
			path = r.URL.Path
			body, _ = io.ReadAll(r.Body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ob, err := NewS3Outbox(context.Background(), S3Config{
		Bucket:          "outbox",
		Prefix:          "/runs/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "draws.csv")
	require.NoError(t, WriteOutput(context.Background(), src, sampleDraws()))

	loc, err := ob.Publish(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "s3://outbox/runs/draws.csv", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/outbox/runs/draws.csv", path)
	want, _ := os.ReadFile(src)
	assert.Equal(t, want, body)
}
