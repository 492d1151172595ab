package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/course-rag-backend/internal/app"
	"github.com/tbourn/course-rag-backend/internal/config"
	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/llm"
	"github.com/tbourn/course-rag-backend/internal/services"
)

type stubModel struct{}

func (stubModel) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }
func (stubModel) Generate(context.Context, llm.Envelope) (string, error) {
	return "ok", nil
}
func (stubModel) Summarize(_ context.Context, prior string, _ []llm.Turn) (string, error) {
	return prior, nil
}

type cliEnv struct {
	dbPath string
	dir    string
	cfg    config.Config
}

func (e *cliEnv) open(ctx context.Context) (*app.App, error) {
	db, err := gorm.Open(sqlite.Open(e.dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	return app.New(ctx, e.cfg, app.WithDB(db), app.WithCollaborators(llm.Collaborators{
		Embedder: stubModel{}, Generator: stubModel{}, Summarizer: stubModel{},
	}))
}

// setupTestApp points openApp at a sqlite file with one registered lecture.
func setupTestApp(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	e := &cliEnv{
		dbPath: filepath.Join(dir, "cli.db"),
		dir:    dir,
		cfg: config.Config{
			LLM:              config.LLMConfig{EmbeddingDim: 2, EmbedTimeout: time.Second, GenerateTimeout: time.Second, SummarizeTimeout: time.Second},
			Retrieval:        config.RetrievalConfig{Backend: "flat", Threshold: 0.5, Limit: 5},
			MemoryWindow:     7,
			MaxQuestionRunes: 2000,
			Ingest:           config.IngestConfig{ChunkSize: 200, Concurrency: 1, MaterialsDir: dir},
		},
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "week1.md"), []byte("# Trees\n\nBinary search trees keep keys ordered.\n"), 0o600))

	a, err := e.open(context.Background())
	require.NoError(t, err)
	week := 1
	_, err = a.Materials.Register(context.Background(), services.MaterialInput{FilePath: "week1.md", Category: domain.CategoryTheory, WeekNumber: &week})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	prev := openApp
	openApp = func(ctx context.Context, _ config.Config) (*app.App, error) { return e.open(ctx) }
	t.Cleanup(func() { openApp = prev })
	return e
}

// run executes the root command with fresh flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
	envFile = filepath.Join(t.TempDir(), "missing.env")

	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(append(args, "--env-file", envFile))
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "coursechat version")
}

func TestSearchCmd_RequiresExactlyOneArg(t *testing.T) {
	_, err := run(t, "search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestSearchCmd_Flags(t *testing.T) {
	flag := searchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "n", flag.Shorthand)
	assert.NotNil(t, searchCmd.Flags().Lookup("threshold"))
	assert.NotNil(t, searchCmd.Flags().Lookup("category"))
	assert.NotNil(t, searchCmd.Flags().Lookup("week"))
}

func TestIngestCmd_ArgsOrAll(t *testing.T) {
	setupTestApp(t)

	_, err := run(t, "ingest")
	require.Error(t, err)

	_, err = run(t, "ingest", "some-id", "--all")
	require.Error(t, err)
}

func TestIngestSearchStatus_EndToEnd(t *testing.T) {
	setupTestApp(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Materials:  1 (0 indexed)")

	out, err = run(t, "ingest", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   week1.md")

	out, err = run(t, "ingest", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to ingest.", "indexed materials are not listed without --force")

	out, err = run(t, "ingest", "--all", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   week1.md")

	// Each command warms a fresh index from the stored embeddings.
	out, err = run(t, "search", "binary search trees")
	require.NoError(t, err)
	assert.Contains(t, out, "[1] week1.md")

	out, err = run(t, "search", "binary search trees", "--json", "--category", "lab")
	require.NoError(t, err)
	var none []domain.Source
	require.NoError(t, json.Unmarshal([]byte(out), &none))
	assert.Empty(t, none)

	out, err = run(t, "status", "--json")
	require.NoError(t, err)
	var st services.IndexStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, int64(1), st.IndexedMaterials)
	assert.Equal(t, int(st.EmbeddedChunks), st.IndexSize)
}

func TestIngestCmd_UnknownMaterialFails(t *testing.T) {
	setupTestApp(t)

	out, err := run(t, "ingest", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
}

func TestSearchCmd_InvalidThreshold(t *testing.T) {
	setupTestApp(t)

	_, err := run(t, "search", "trees", "--threshold", "2")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrValidation)
}
