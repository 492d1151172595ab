package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/course-rag-backend/internal/app"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show material and index counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			st, err := a.Ingest.IndexStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			if statusJSON {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Printf("Materials:  %d (%d indexed)\n", st.Materials, st.IndexedMaterials)
			cmd.Printf("Chunks:     %d (%d embedded)\n", st.Chunks, st.EmbeddedChunks)
			cmd.Printf("Index size: %d\n", st.IndexSize)
			cmd.Printf("Backend:    %s\n", cfg.Retrieval.Backend)
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
