package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spiderfoot/fabric/pkg/store"
)

var (
	boltPath   = flag.String("bolt", "/var/lib/spiderfoot/fabric.db", "source bbolt report database")
	sqlDriver  = flag.String("sql-driver", "sqlite3", "target SQL driver (sqlite3 or postgres)")
	sqlDSN     = flag.String("sql-dsn", "", "target SQL DSN")
	schemaOnly = flag.Bool("schema-only", false, "only apply the reports schema to the SQL target and exit")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the bolt database before migration (default: <bolt>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Fabric Report Store Migration Tool - Bolt → SQL")
	log.Println("===============================================")

	if *sqlDSN == "" {
		log.Fatal("-sql-dsn is required")
	}
	if *sqlDriver != "sqlite3" && *sqlDriver != "postgres" {
		log.Fatalf("unsupported -sql-driver %q", *sqlDriver)
	}

	db, err := sqlx.Open(*sqlDriver, *sqlDSN)
	if err != nil {
		log.Fatalf("Failed to open %s target: %v", *sqlDriver, err)
	}

	if *schemaOnly {
		if err := store.EnsureSchema(db); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		log.Println("✓ Reports schema applied")
		return
	}

	if _, err := os.Stat(*boltPath); os.IsNotExist(err) {
		log.Fatalf("Bolt database not found at %s", *boltPath)
	}
	log.Printf("Source:  %s", *boltPath)
	log.Printf("Target:  %s (%s)", *sqlDSN, *sqlDriver)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = *boltPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(*boltPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	if err := migrateReports(db, *boltPath, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without -dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("The bolt database is untouched; point the daemon at the SQL store")
		log.Println("by setting store.backend: sql and remove the bolt file once verified.")
	}
}

func migrateReports(db *sqlx.DB, boltPath string, dryRun bool) error {
	ctx := context.Background()

	src, err := store.NewBolt(boltPath)
	if err != nil {
		return fmt.Errorf("open bolt source: %w", err)
	}
	defer src.Close()

	reports, err := src.List(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("read reports: %w", err)
	}
	log.Printf("Found %d reports to migrate", len(reports))

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Println("1. Apply the reports schema to the SQL target")
		log.Printf("2. Copy %d report records", len(reports))
		log.Println("3. Skip records whose id already exists in the target")
		return nil
	}

	dst, err := store.NewSQL(db)
	if err != nil {
		return fmt.Errorf("open sql target: %w", err)
	}
	defer dst.Close()

	var migrated, skipped int
	for _, rep := range reports {
		if _, err := dst.Get(ctx, rep.ID); err == nil {
			skipped++
			continue
		}
		if err := dst.Save(ctx, rep); err != nil {
			return fmt.Errorf("copy report %s: %w", rep.ID, err)
		}
		migrated++
	}

	log.Printf("✓ Migrated %d reports (%d already present)", migrated, skipped)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
