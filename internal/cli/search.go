package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/course-rag-backend/internal/app"
	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/services"
)

var (
	searchLimit     int
	searchThreshold float64
	searchCategory  string
	searchWeek      int
	searchJSON      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed course chunks",
	Long: `Embeds the query and lists the most similar course chunks. Only chunks
whose cosine similarity is strictly above the threshold are returned.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (0 uses RETRIEVAL_LIMIT)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "similarity floor in [-1, 1] (unset uses RETRIEVAL_THRESHOLD)")
	searchCmd.Flags().StringVarP(&searchCategory, "category", "c", "", "restrict to theory or lab")
	searchCmd.Flags().IntVarP(&searchWeek, "week", "w", 0, "restrict to a course week")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	req := services.SearchRequest{
		Query:    args[0],
		Limit:    searchLimit,
		Category: searchCategory,
		Week:     searchWeek,
	}
	if cmd.Flags().Changed("threshold") {
		t := searchThreshold
		req.Threshold = &t
	}

	return withApp(cmd.Context(), func(a *app.App) error {
		results, err := a.Answers.Search(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if searchJSON {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal results: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}
		printSources(cmd, results)
		return nil
	})
}

func printSources(cmd *cobra.Command, results []domain.Source) {
	if len(results) == 0 {
		cmd.Println("No results found.")
		return
	}
	cmd.Println("Results:")
	cmd.Println()
	for i, s := range results {
		loc := s.FileName
		if s.PageNumber != nil {
			loc = fmt.Sprintf("%s, page %d", s.FileName, *s.PageNumber)
		}
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, loc, s.Similarity)
		if s.Excerpt != "" {
			cmd.Printf("      %s\n", s.Excerpt)
		}
		cmd.Println()
	}
}
