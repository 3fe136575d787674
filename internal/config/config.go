// Package config provides centralized configuration for the restack daemon.
package config

import (
	"os"
	"path/filepath"
)

// Config holds application-wide configuration.
type Config struct {
	// RepoPath is the working directory of the repository to operate on.
	RepoPath string
	// DBPath is the location of the event log database. When empty it is
	// derived from RepoPath.
	DBPath string
	// MainBranch is the short name of the branch treated as the mainline.
	MainBranch string
	// DagEngine selects the ancestry index implementation ("level" or "walk").
	DagEngine string
	// Addr is the HTTP listen address.
	Addr string
}

// DefaultConfig returns the default configuration, reading from environment variables.
func DefaultConfig() *Config {
	repoPath := os.Getenv("RESTACK_REPO_PATH")
	if repoPath == "" {
		repoPath = "."
	}
	mainBranch := os.Getenv("RESTACK_MAIN_BRANCH")
	if mainBranch == "" {
		mainBranch = "main"
	}
	dagEngine := os.Getenv("RESTACK_DAG_ENGINE")
	if dagEngine == "" {
		dagEngine = "level"
	}
	addr := os.Getenv("RESTACK_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return &Config{
		RepoPath:   repoPath,
		DBPath:     os.Getenv("RESTACK_DB_PATH"),
		MainBranch: mainBranch,
		DagEngine:  dagEngine,
		Addr:       addr,
	}
}

// EventLogPath returns the path of the event log database file.
func (c *Config) EventLogPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.RepoPath, ".git", "restack", "events.db")
}

// Global is the application-wide configuration instance.
var Global = DefaultConfig()
