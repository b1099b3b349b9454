package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"patientsim/internal/db"
	"patientsim/pkg"
)

var seedCmd = &cobra.Command{
	Use:   "seed [case.json ...]",
	Short: "Load authored case files into the database",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed(cmd.Context(), args)
	},
}

func runSeed(ctx context.Context, paths []string) error {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	cases := db.NewCaseRepo(conn)
	for _, path := range paths {
		c, err := loadCaseFile(path)
		if err != nil {
			return err
		}
		if err := cases.Upsert(ctx, c); err != nil {
			return fmt.Errorf("seed case %s: %w", c.CaseID, err)
		}
		fmt.Printf("seeded %s (%d chunks)\n", c.CaseID, len(c.Chunks))
	}
	return nil
}

func loadCaseFile(path string) (*pkg.Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	var c pkg.Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.CaseID == "" {
		base := filepath.Base(path)
		c.CaseID = base[:len(base)-len(filepath.Ext(base))]
	}
	if len(c.Chunks) == 0 {
		return nil, fmt.Errorf("case %s has no chunks", c.CaseID)
	}
	for i, ch := range c.Chunks {
		if ch.ChunkID == "" {
			return nil, fmt.Errorf("case %s: chunk %d has no chunk_id", c.CaseID, i)
		}
		if ch.VisitNo < 1 {
			return nil, fmt.Errorf("case %s: chunk %s has invalid visit_no %d", c.CaseID, ch.ChunkID, ch.VisitNo)
		}
		if ch.DetailDepth < 1 || ch.DetailDepth > 3 {
			return nil, fmt.Errorf("case %s: chunk %s has invalid detail_depth %d", c.CaseID, ch.ChunkID, ch.DetailDepth)
		}
	}
	return &c, nil
}
