//cmd/seeder/main.go
package main

import (
    "database/sql"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sort"

    "go.uber.org/zap"

    "github.com/unclebandit/campaign-dispatch/internal/config"
    "github.com/unclebandit/campaign-dispatch/internal/db"
    "github.com/unclebandit/campaign-dispatch/internal/logger"
)

func main() {
    cfg := config.LoadConfig()
    logg := logger.New(cfg.AppMode)
    defer logg.Sync()

    conn, err := db.Open(cfg, logg)
    if err != nil {
        log.Fatal(err)
    }
    defer conn.Close()

    for _, dir := range []string{"migrations", "seed"} {
        files, err := sqlFiles(dir)
        if err != nil {
            log.Fatalf("failed to list %s: %v", dir, err)
        }
        for _, file := range files {
            if err := execFile(conn, file); err != nil {
                log.Fatal(err)
            }
            logg.Logger.Info("applied", zap.String("file", file))
        }
    }

    fmt.Println("Database migration and seeding completed successfully!")
}

// sqlFiles lists dir's .sql files in name order.
func sqlFiles(dir string) ([]string, error) {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return nil, err
    }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
            files = append(files, filepath.Join(dir, e.Name()))
        }
    }
    sort.Strings(files)
    return files, nil
}

func execFile(conn *sql.DB, file string) error {
    content, err := os.ReadFile(file)
    if err != nil {
        return fmt.Errorf("failed to read %s: %w", file, err)
    }
    if _, err := conn.Exec(string(content)); err != nil {
        return fmt.Errorf("failed to execute %s: %w", file, err)
    }
    return nil
}
