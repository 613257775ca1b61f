package app

import "errors"

// Config holds everything an App instance needs to run.
type Config struct {
	// ConfigPath is a .hcl file or a directory of them.
	ConfigPath string

	// RepoPath is the directory of a local repository. Used when neither
	// archive option is set; defaults to ".stagegrid/repo".
	RepoPath string

	// ArchiveURL selects a remote archive; fetches are cached below
	// CachePath. Mutually exclusive with ArchiveDB.
	ArchiveURL string

	// ArchiveDB selects a SQLite archive database file.
	ArchiveDB string

	// CachePath is the cache directory for remote fetches. Defaults to
	// ".stagegrid/cache".
	CachePath string

	LogFormat string
	LogLevel  string

	// Workers bounds local execution parallelism. Zero defers to the
	// configuration's run block, which itself defaults to one.
	Workers int

	Force     bool
	ForceAll  bool
	Reprocess bool
}

// NewConfig validates a Config and applies defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.ArchiveURL != "" && cfg.ArchiveDB != "" {
		return nil, errors.New("ArchiveURL and ArchiveDB are mutually exclusive")
	}
	if cfg.RepoPath == "" {
		cfg.RepoPath = ".stagegrid/repo"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = ".stagegrid/cache"
	}
	return &cfg, nil
}
