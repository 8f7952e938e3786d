package commands

import (
	"database/sql"
	"time"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/db"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/httpclient"
	"github.com/teranos/tock/logger"
)

// apiTimeout bounds ordinary calls to the master API
const apiTimeout = 30 * time.Second

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config. Uses logger.Logger for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		dbPath = path
		if dbPath == "" {
			dbPath = "tock.db"
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// masterClient builds an API client for the configured master, or masterURL when set
func masterClient(masterURL string) (*httpclient.Client, error) {
	if masterURL == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load config")
		}
		masterURL = cfg.Master.URL
	}
	return httpclient.New(masterURL, apiTimeout)
}

// watchLogLevel re-applies log.level whenever the highest-precedence config file changes
func watchLogLevel() *am.ConfigWatcher {
	files := am.ConfigFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher disabled", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		if err := logger.SetLevelName(cfg.Log.Level); err != nil {
			return errors.Wrapf(err, "log.level %q", cfg.Log.Level)
		}
		logger.Infow("Log level applied", "level", cfg.Log.Level)
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}
