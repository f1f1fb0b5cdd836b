package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
)

func main() {
	sqliteDSN := flag.String("sqlite", "", "Optional: SQLite DSN instead of the MySQL env configuration")
	flag.Parse()

	db, err := config.ConnectFromFlags(*sqliteDSN)
	if err != nil || db == nil {
		fmt.Fprintf(os.Stderr, "database not initialized: %v\n", err)
		os.Exit(1)
	}
	if err := models.MigrateTables(db); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}

	var accounts []models.GLAccount
	if err := db.Order("code ASC").Find(&accounts).Error; err != nil {
		fmt.Fprintf(os.Stderr, "list accounts: %v\n", err)
		os.Exit(1)
	}
	for _, a := range accounts {
		fmt.Printf("%s  %-40s %-10s %-7s %d\n", a.Code, a.Name, a.Type, a.NormalBalance, a.Balance)
	}
}
