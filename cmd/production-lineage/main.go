package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
)

func main() {
	runId := flag.Int("run-id", 0, "Required: production run id")
	direction := flag.String("direction", string(workflow.LineageUpstream), "upstream or downstream")
	kind := flag.String("kind", string(models.DependencyKindActual), "ACTUAL or PLANNED edges")
	depth := flag.Int("depth", 0, "Optional: depth cap (default PRODUCTION_CHAIN_MAX_DEPTH)")
	sqliteDSN := flag.String("sqlite", "", "Optional: SQLite DSN instead of the MySQL env configuration")
	flag.Parse()

	if *runId <= 0 {
		fmt.Fprintln(os.Stderr, "--run-id is required")
		os.Exit(1)
	}
	db, err := config.ConnectFromFlags(*sqliteDSN)
	if err != nil || db == nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}

	lineage, err := workflow.GetRunLineage(db, *runId, workflow.LineageDirection(*direction),
		models.DependencyKind(strings.ToUpper(*kind)), *depth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineage failed: %v\n", err)
		os.Exit(1)
	}

	for _, n := range lineage.Nodes {
		fmt.Printf("%srun %d  %s  %s  item=%d  value=%d\n",
			strings.Repeat("  ", n.Depth), n.RunId, n.ProcessType, n.Status, n.OutputItemId, n.TotalValue)
	}
	fmt.Println("edges:")
	for _, e := range lineage.Edges {
		fmt.Printf("  %d -> %d  item=%d  qty=%s\n", e.ParentRunId, e.ChildRunId, e.ItemId, e.Qty.String())
	}
	if lineage.Truncated {
		fmt.Println("(truncated at depth cap)")
	}
}
