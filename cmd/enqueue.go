package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/server"
	"github.com/JakeFAU/labelscan/internal/verify"
)

const pictureSeparator = ", "

func newEnqueueCmd() *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queues jobs from a CSV export with upc and pictures columns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if csvPath == "" {
				csvPath = os.Getenv("CSV_PATH")
			}
			if csvPath == "" {
				return errors.New("--csv or CSV_PATH is required")
			}

			f, err := os.Open(csvPath) // #nosec G304 -- operator supplied path
			if err != nil {
				return fmt.Errorf("open csv: %w", err)
			}
			defer func() { _ = f.Close() }()

			jobs, err := readJobs(f)
			if err != nil {
				return err
			}

			queue, err := server.OpenQueue(cmd.Context(), rt.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() { _ = queue.Close() }()

			queued := 0
			for _, job := range jobs {
				if err := queue.AddMembers(cmd.Context(), job.Key, job.URLs...); err != nil {
					rt.logger.Error("enqueue failed", zap.String("product_id", job.ProductID), zap.Error(err))
					continue
				}
				rt.logger.Debug("job queued", zap.String("product_id", job.ProductID), zap.Int("urls", len(job.URLs)))
				queued++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d of %d jobs\n", queued, len(jobs))
			if queued < len(jobs) {
				return fmt.Errorf("%d jobs failed to enqueue", len(jobs)-queued)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file to read (default $CSV_PATH)")
	return cmd
}

// readJobs parses rows of a CSV with a header naming "upc" and "pictures".
// Rows without a product id or pictures are skipped.
func readJobs(r io.Reader) ([]verify.Job, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	upcCol, picCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case "upc":
			upcCol = i
		case "pictures":
			picCol = i
		}
	}
	if upcCol < 0 || picCol < 0 {
		return nil, errors.New("csv header must contain upc and pictures columns")
	}

	var jobs []verify.Job
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if upcCol >= len(row) || picCol >= len(row) {
			continue
		}
		productID := strings.TrimSpace(strings.ReplaceAll(row[upcCol], `"`, ""))
		var urls []string
		for _, u := range strings.Split(row[picCol], pictureSeparator) {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if productID == "" || len(urls) == 0 {
			continue
		}
		jobs = append(jobs, verify.Job{Key: verify.JobKey(productID), ProductID: productID, URLs: urls})
	}
	return jobs, nil
}
