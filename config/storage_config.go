package config

import (
	"fmt"
	"strings"
)

// StorageType selects the confirm journal backend.
type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // no confirm journal
	StorageTypeMemory StorageType = "memory" // in-memory BuntDB, lost on exit
	StorageTypeBuntDB StorageType = "buntdb" // BuntDB file that survives a crash
)

// SyncPolicy controls how often a file journal is fsynced.
type SyncPolicy string

const (
	SyncNever       SyncPolicy = "never"
	SyncEverySecond SyncPolicy = "everysecond"
	SyncAlways      SyncPolicy = "always"
)

// StorageConfig selects where unconfirmed publishes are journaled.
type StorageConfig struct {
	Type StorageType `envconfig:"AMQP_JOURNAL" default:"none" json:"type"`

	// Path is the journal file for StorageTypeBuntDB.
	Path string     `envconfig:"AMQP_JOURNAL_PATH" json:"path"`
	Sync SyncPolicy `envconfig:"AMQP_JOURNAL_SYNC" default:"everysecond" json:"sync"`

	// Namespace separates publishers that share one store.
	Namespace string `envconfig:"AMQP_JOURNAL_NAMESPACE" default:"default" json:"namespace"`
}

// Validate checks the backend and its settings.
func (sc StorageConfig) Validate() error {
	if strings.Contains(sc.Namespace, ":") {
		return fmt.Errorf("journal namespace %q must not contain ':'", sc.Namespace)
	}

	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil

	case StorageTypeBuntDB:
		if sc.Path == "" || sc.Path == ":memory:" {
			return fmt.Errorf("buntdb journal needs a file path (use type %q for in-memory)", StorageTypeMemory)
		}
		switch sc.Sync {
		case "", SyncNever, SyncEverySecond, SyncAlways:
			return nil
		default:
			return fmt.Errorf("unknown journal sync policy: %s", sc.Sync)
		}

	case "":
		return fmt.Errorf("storage type not specified")

	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
