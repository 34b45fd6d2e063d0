/*
scheduler.go - Automated maintenance scheduler

PURPOSE:
  Periodically runs the housekeeping jobs that keep the ledger tidy:
  the monthly guardianship reset, the event retention prune, and the
  daily database backup with its own retention window.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each job is idempotent, so running on every tick is safe:
    the reset is guarded by LAST_RESET, the prune by the cutoff date,
    and backups overwrite the same dated file within a day
  - Backup files older than the retention window are deleted

CONFIGURATION:
  - CheckInterval:        How often to check (default: 1 hour)
  - BackupDir:            Where backups go; empty disables backups
  - BackupRetentionDays:  How long backup files are kept (default: 7)
  - RetentionYears:       Event retention window for the prune

USAGE:
  scheduler := NewMaintenanceScheduler(store, maint, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerMaintenance and TriggerBackup (manual runs)
  - ledger/maintenance.go: The jobs themselves
*/
package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warp/canteen-ledger/internal/logger"
	"github.com/warp/canteen-ledger/ledger"
	"github.com/warp/canteen-ledger/store/sqlite"
)

// MaintenanceScheduler runs periodic ledger housekeeping.
type MaintenanceScheduler struct {
	Store               *sqlite.Store
	Maintenance         *ledger.Maintenance
	Log                 *logger.Logger
	CheckInterval       time.Duration
	BackupDir           string
	BackupRetentionDays int
	RetentionYears      int
	Enabled             bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(store *sqlite.Store, maint *ledger.Maintenance, log *logger.Logger) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Store:               store,
		Maintenance:         maint,
		Log:                 log,
		CheckInterval:       1 * time.Hour,
		BackupRetentionDays: 7,
		RetentionYears:      ledger.DefaultRetentionYears,
		Enabled:             true,
		stop:                make(chan bool),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.Log.Info("SCHEDULER", "disabled, not starting")
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.wg.Add(1)

	go ms.run()

	ms.Log.Info("SCHEDULER", fmt.Sprintf("started with check interval %v", ms.CheckInterval))
}

// Stop stops the scheduler.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.Log.Info("SCHEDULER", "stopped")
	}
}

func (ms *MaintenanceScheduler) run() {
	defer ms.wg.Done()

	// Run immediately on start
	ms.runJobs()

	for {
		select {
		case <-ms.ticker.C:
			ms.runJobs()
		case <-ms.stop:
			return
		}
	}
}

func (ms *MaintenanceScheduler) runJobs() {
	ctx := context.Background()

	reset, err := ms.Maintenance.MonthlyResetIfDue(ctx)
	if err != nil {
		ms.Log.Error("SCHEDULER", fmt.Sprintf("monthly reset failed: %v", err))
	} else if reset != nil {
		ms.Log.Info("SCHEDULER", fmt.Sprintf("monthly reset for %s: %d patron(s), %d ticket(s) cleared",
			reset.Month, reset.PatronsReset, reset.TicketsCleared))
	}

	pruned, err := ms.Maintenance.Prune(ctx, ms.RetentionYears)
	if err != nil {
		ms.Log.Error("SCHEDULER", fmt.Sprintf("retention prune failed: %v", err))
	} else if pruned > 0 {
		ms.Log.Info("SCHEDULER", fmt.Sprintf("pruned %d event(s) past retention", pruned))
	}

	ms.runBackup(ctx)
}

func (ms *MaintenanceScheduler) runBackup(ctx context.Context) {
	if ms.BackupDir == "" {
		return
	}

	dest := filepath.Join(ms.BackupDir, "backup_"+time.Now().Format("2006-01-02")+".db")
	if _, err := os.Stat(dest); err == nil {
		// Today's backup already exists.
		return
	}

	if err := os.MkdirAll(ms.BackupDir, 0o755); err != nil {
		ms.Log.Error("SCHEDULER", fmt.Sprintf("backup dir: %v", err))
		return
	}
	if err := ms.Store.Backup(ctx, dest); err != nil {
		ms.Log.Error("SCHEDULER", fmt.Sprintf("backup failed: %v", err))
		return
	}
	ms.Log.Info("SCHEDULER", "wrote backup "+dest)

	ms.cleanOldBackups()
}

// cleanOldBackups removes backup files past the retention window.
func (ms *MaintenanceScheduler) cleanOldBackups() {
	entries, err := os.ReadDir(ms.BackupDir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -ms.BackupRetentionDays)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".db") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "backup_"), ".db")
		day, err := time.Parse("2006-01-02", stamp)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(ms.BackupDir, name)); err == nil {
				ms.Log.Info("SCHEDULER", "removed old backup "+name)
			}
		}
	}
}

// RunNow triggers an immediate check (for testing/admin).
func (ms *MaintenanceScheduler) RunNow() {
	ms.runJobs()
}
