package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func main() {
	itemIdsStr := flag.String("item-ids", "", "Optional: comma-separated item ids (default all stocked items)")
	dryRun := flag.Bool("dry-run", false, "Print the rebuilt caches without writing them")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing items and continue rebuilding others")
	sqliteDSN := flag.String("sqlite", "", "Optional: SQLite DSN instead of the MySQL env configuration")
	flag.Parse()

	db, err := config.ConnectFromFlags(*sqliteDSN)
	if err != nil || db == nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	logger := logrus.New()

	q := db.Model(&models.Item{}).Where("class <> ?", models.ItemClassService)
	if strings.TrimSpace(*itemIdsStr) != "" {
		var ids []int
		for _, part := range strings.Split(*itemIdsStr, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid item id %q\n", part)
				os.Exit(1)
			}
			ids = append(ids, id)
		}
		q = q.Where("id IN ?", ids)
	}
	var items []*models.Item
	if err := q.Order("id ASC").Find(&items).Error; err != nil {
		fmt.Fprintf(os.Stderr, "list items: %v\n", err)
		os.Exit(1)
	}

	ok, failed := 0, 0
	for _, item := range items {
		err := db.Transaction(func(tx *gorm.DB) error {
			agg, err := workflow.AggregateLayers(tx, []int{item.ID})
			if err != nil {
				return err
			}
			a := agg[item.ID]
			fmt.Printf("item %-5d %-30s qty %s -> %s  avg %d -> %d  layers=%d\n",
				item.ID, item.Name, item.QuantityOnHand.String(), a.Qty.String(),
				item.AverageCost, a.AverageCost(), a.LayerCount)
			if *dryRun {
				return nil
			}
			return workflow.SyncItemCaches(tx, logger, []int{item.ID})
		})
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "rebuild failed for item %d: %v\n", item.ID, err)
			if !*continueOnError {
				os.Exit(1)
			}
			continue
		}
		ok++
	}
	fmt.Printf("rebuilt=%d failed=%d dry_run=%t\n", ok, failed, *dryRun)
}
