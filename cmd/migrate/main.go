package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"wagate/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./wagate.db", "Path to the database file")
	status := flag.Bool("status", false, "List migrations and whether each is applied, without changing anything")
	flag.Parse()

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath+"?_busy_timeout=5000")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if *status {
		if err := printStatus(ctx, db); err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
		return
	}

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if len(applied) == 0 {
		fmt.Println("Schema is up to date, nothing to apply")
		return
	}
	for _, v := range applied {
		fmt.Printf("Applied migration %03d\n", v)
	}
	fmt.Println("Database schema updated. You can now restart wagate.")
}

func printStatus(ctx context.Context, db *sql.DB) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}
	done, err := migrations.AppliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range all {
		state := "pending"
		if done[m.Version] {
			state = "applied"
		}
		fmt.Printf("%03d %-40s %s\n", m.Version, m.Name, state)
	}
	return nil
}
