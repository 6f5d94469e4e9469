package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/scheduler"
)

const collections = 10

func fail(key string, err error) {
	fmt.Printf("%s=%v\n", key, err)
	os.Exit(1)
}

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskrelay-backup-drill-*")
	if err != nil {
		fail("mktemp_error", err)
	}
	defer os.RemoveAll(baseDir)

	dataDir := filepath.Join(baseDir, "data")
	journalPath := filepath.Join(baseDir, "journal.db")
	backupDir := filepath.Join(baseDir, "backup")

	journal, err := persistence.OpenJournal(journalPath)
	if err != nil {
		fail("open_journal_error", err)
	}
	defer journal.Close()
	store, err := persistence.Open(ctx, dataDir, persistence.WithRecorder(journal))
	if err != nil {
		fail("open_store_error", err)
	}
	execs := persistence.NewExecutionStore(store.ExecutionsDir(), store, nil)
	sched := scheduler.New(store, execs)

	for i := 0; i < collections; i++ {
		conv := fmt.Sprintf("drill-%02d", i)
		if _, _, err := store.Create(ctx, conv, "req", []persistence.TaskSpec{
			{Title: "prepare", TargetFile: "a.go", Operation: "edit"},
			{Title: "apply", TargetFile: "b.go", Operation: "edit", Dependencies: []string{"prepare"}},
		}); err != nil {
			fail("create_error", err)
		}
		next, err := sched.Next(ctx, conv)
		if err != nil || !next.Available {
			fmt.Printf("claim_error=%v available=%v\n", err, next.Available)
			os.Exit(1)
		}
		if _, _, err := execs.Save(ctx, next.Task.ID, "drill run "+conv); err != nil {
			fail("save_execution_error", err)
		}
		if _, err := sched.Complete(ctx, next.Task.ID); err != nil {
			fail("complete_error", err)
		}
	}

	backupStart := time.Now().UTC()
	if err := copyTree(dataDir, filepath.Join(backupDir, "data")); err != nil {
		fail("backup_data_error", err)
	}
	if _, err := journal.DB().ExecContext(ctx, `VACUUM INTO ?;`, filepath.Join(backupDir, "journal.db")); err != nil {
		fail("backup_journal_error", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restoredJournal, err := persistence.OpenJournal(filepath.Join(backupDir, "journal.db"))
	if err != nil {
		fail("open_restore_journal_error", err)
	}
	defer restoredJournal.Close()
	restored, err := persistence.Open(ctx, filepath.Join(backupDir, "data"))
	if err != nil {
		fail("open_restore_store_error", err)
	}
	restoreEnd := time.Now().UTC()

	restoredCollections, restoredTasks := restored.IndexSize()
	completed, err := restored.Query(ctx, persistence.Filter{Status: persistence.TaskStatusCompleted})
	if err != nil {
		fail("query_error", err)
	}
	transitions, err := restoredJournal.Count(ctx)
	if err != nil {
		fail("count_transitions_error", err)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_collections=%d\n", restoredCollections)
	fmt.Printf("restored_tasks=%d\n", restoredTasks)
	fmt.Printf("restored_completed=%d\n", len(completed))
	fmt.Printf("restored_transitions=%d\n", transitions)

	if restoredCollections != collections || restoredTasks != 2*collections ||
		len(completed) != collections || transitions == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

// copyTree copies regular files under src into dst, keeping the layout.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
