package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/course-rag-backend/internal/app"
	"github.com/tbourn/course-rag-backend/internal/services"
)

var (
	ingestAll   bool
	ingestForce bool
	ingestJSON  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [material-id...]",
	Short: "Extract, split and embed course materials",
	Long: `Ingests the given materials, or every registered material with --all.
Materials that are already indexed are skipped unless --force is set.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestAll, "all", false, "ingest every registered material")
	ingestCmd.Flags().BoolVarP(&ingestForce, "force", "f", false, "re-ingest materials that are already indexed")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestAll == (len(args) > 0) {
		return errors.New("pass material ids or --all, not both")
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		var results []services.IngestResult
		if ingestAll {
			rs, err := a.Ingest.IngestAll(cmd.Context(), ingestForce)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			results = rs
		} else {
			for _, id := range args {
				res, err := a.Ingest.Ingest(cmd.Context(), id, ingestForce)
				if err != nil {
					results = append(results, services.IngestResult{MaterialID: id, Error: err.Error()})
					continue
				}
				results = append(results, *res)
			}
		}

		if ingestJSON {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal results: %w", err)
			}
			cmd.Println(string(data))
		} else {
			printIngest(cmd, results)
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d materials failed", failed, len(results))
		}
		return nil
	})
}

func printIngest(cmd *cobra.Command, results []services.IngestResult) {
	if len(results) == 0 {
		cmd.Println("Nothing to ingest.")
		return
	}
	for _, r := range results {
		name := r.FileName
		if name == "" {
			name = r.MaterialID
		}
		switch {
		case r.Error != "":
			cmd.Printf("  FAIL %s: %s\n", name, r.Error)
		case r.Skipped:
			cmd.Printf("  skip %s (already indexed)\n", name)
		default:
			cmd.Printf("  ok   %s: %d pages, %d chunks\n", name, r.Pages, r.Chunks)
		}
	}
}
