package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/mmdatafocus/mfg_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	itemIdsStr := flag.String("item-ids", "", "Optional: comma-separated item ids (default all stocked items)")
	fix := flag.Bool("fix", false, "Apply remedies (requires --admin)")
	admin := flag.Bool("admin", false, "Run with admin privilege")
	userId := flag.Int("user-id", 0, "Optional: acting user id recorded in the audit log")
	sqliteDSN := flag.String("sqlite", "", "Optional: SQLite DSN instead of the MySQL env configuration")
	asJSON := flag.Bool("json", false, "Print the full result as JSON")
	flag.Parse()

	var itemIds []int
	for _, part := range strings.Split(*itemIdsStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid item id %q\n", part)
			os.Exit(1)
		}
		itemIds = append(itemIds, id)
	}
	if *fix && !*admin {
		fmt.Fprintln(os.Stderr, "--fix requires --admin")
		os.Exit(1)
	}

	db, err := config.ConnectFromFlags(*sqliteDSN)
	if err != nil || db == nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	logger := logrus.New()

	ctx := utils.SetCorrelationIdInContext(context.Background(), uuid.NewString())
	ctx = utils.SetUserNameInContext(ctx, "inventory-reconcile")
	if *userId > 0 {
		ctx = utils.SetUserIdInContext(ctx, *userId)
	}
	if *admin {
		ctx = utils.SetIsAdminInContext(ctx, true)
	}

	result, err := workflow.NewAuditor(db, logger).Run(ctx, workflow.ReconciliationOptions{AutoFix: *fix, ItemIds: itemIds})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	fmt.Printf("correlation=%s items=%d accounts=%d findings=%d new=%d fixed=%d resolved=%d remaining=%d\n",
		result.CorrelationId, result.ItemsChecked, result.AccountsChecked, len(result.Findings),
		result.NewFindings, result.Fixed, result.Resolved, result.Remaining)
	for _, f := range result.Findings {
		status := "open"
		switch {
		case f.Fixed:
			status = "fixed"
		case f.Expected:
			status = "expected"
		case f.FixError != "":
			status = "fix failed: " + f.FixError
		}
		fmt.Printf("  %-15s %-8s %-5d %-30s %-15s %s [%s]\n",
			f.CheckType, f.EntityType, f.EntityId, f.EntityName, f.DiscrepancyType, f.Remedy, status)
	}
}
