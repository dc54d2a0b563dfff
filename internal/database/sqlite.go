package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/unibos-labs/unibos-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager handles all database operations
type SQLiteManager struct {
	dir    string
	cm     *utils.ConfigManager
	db     *sql.DB
	logger *utils.LogsManager

	// Specialized managers
	Sync       *SyncDB
	Offline    *OfflineQueueDB
	Registry   *RegistryDB
	RelaySpool *RelaySpoolDB
}

// NewSQLiteManager opens the node database and initializes the per-table managers
func NewSQLiteManager(cm *utils.ConfigManager, logger *utils.LogsManager) (*SQLiteManager, error) {
	paths := utils.GetAppPaths("")
	sqlm := &SQLiteManager{
		dir:    paths.DataDir,
		cm:     cm,
		logger: logger,
	}

	db, err := sqlm.createConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %v", err)
	}
	sqlm.db = db

	if err := sqlm.initializeManagers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database managers: %v", err)
	}

	return sqlm, nil
}

// createConnection creates and configures the database connection
func (sqlm *SQLiteManager) createConnection() (*sql.DB, error) {
	dbFileName := sqlm.cm.GetConfigWithDefault("database_file", "./unibos-node.db")

	memory := strings.Contains(dbFileName, ":memory:") || strings.Contains(dbFileName, "mode=memory")

	var dsn string
	if memory {
		// In-memory database, used by the tests
		dsn = dbFileName
	} else {
		path := filepath.Join(sqlm.dir, filepath.ToSlash(dbFileName))
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_synchronous=NORMAL", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	// Configure connection pool for concurrent access. An in-memory database
	// exists per connection, so it is pinned to a single one.
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(0)

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		sqlm.logger.Error(fmt.Sprintf("Failed to enable foreign keys: %s", err.Error()), "database")
		return nil, err
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to enable WAL mode: %s", err.Error()), "database")
	}

	return db, nil
}

// initializeManagers sets up specialized database managers
func (sqlm *SQLiteManager) initializeManagers() error {
	var err error

	sqlm.Sync, err = NewSyncDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync database manager: %v", err)
	}

	sqlm.Offline, err = NewOfflineQueueDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize offline queue manager: %v", err)
	}

	sqlm.Registry, err = NewRegistryDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize registry manager: %v", err)
	}

	sqlm.RelaySpool, err = NewRelaySpoolDB(sqlm.db, sqlm.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize relay spool manager: %v", err)
	}

	sqlm.logger.Info("Database managers initialized successfully", "database")
	return nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

// Close closes all database connections and managers
func (sqlm *SQLiteManager) Close() error {
	for _, closer := range []interface{ Close() error }{
		sqlm.Sync, sqlm.Offline, sqlm.Registry, sqlm.RelaySpool,
	} {
		if closer != nil {
			if err := closer.Close(); err != nil {
				return err
			}
		}
	}

	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// GetStats returns comprehensive database statistics
func (sqlm *SQLiteManager) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	dbStats := sqlm.db.Stats()
	stats["connection_stats"] = map[string]interface{}{
		"max_open_connections": dbStats.MaxOpenConnections,
		"open_connections":     dbStats.OpenConnections,
		"in_use":               dbStats.InUse,
		"idle":                 dbStats.Idle,
	}

	if sqlm.Offline != nil {
		stats["offline_queue"] = sqlm.Offline.GetStats()
	}
	if sqlm.RelaySpool != nil {
		stats["relay_spool"] = sqlm.RelaySpool.GetStats()
	}

	return stats
}

// PerformMaintenance runs database maintenance tasks
func (sqlm *SQLiteManager) PerformMaintenance() error {
	if sqlm.RelaySpool != nil {
		maxAge := time.Duration(sqlm.cm.GetConfigInt("relay_spool_max_age_hours", 24, 1, 168)) * time.Hour
		cleaned, err := sqlm.RelaySpool.CleanupOld(maxAge)
		if err != nil {
			sqlm.logger.Error(fmt.Sprintf("Failed to cleanup old spooled messages: %v", err), "database")
		} else if cleaned > 0 {
			sqlm.logger.Info(fmt.Sprintf("Maintenance: cleaned up %d old spooled messages", cleaned), "database")
		}
	}

	if sqlm.Offline != nil {
		expired, err := sqlm.Offline.ExpireOverdue(time.Now())
		if err != nil {
			sqlm.logger.Error(fmt.Sprintf("Failed to expire overdue offline operations: %v", err), "database")
		} else if expired > 0 {
			sqlm.logger.Info(fmt.Sprintf("Maintenance: expired %d offline operations", expired), "database")
		}
	}

	if _, err := sqlm.db.Exec("PRAGMA optimize;"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to optimize database: %v", err), "database")
	}

	if _, err := sqlm.db.Exec("PRAGMA incremental_vacuum(100);"); err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to vacuum database: %v", err), "database")
	}

	return nil
}
