package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketMeta       = "meta"
	schemaVersionKey = "schema_version"
)

// Migration is one additive, ordered step in the store's schema history.
// Migrations never remove or rename an existing field; they only
// backfill rows written before that field existed, per spec.md's
// "column migrations are additive and ordered by a small migration
// registry".
type Migration struct {
	Version     int
	Description string
	Apply       func(tx *bolt.Tx) error
}

// migrations is the full, ordered registry. Entries are never reordered
// or edited once released; a new field gets a new entry appended at the
// end.
var migrations = []Migration{
	{
		Version:     1,
		Description: "baseline entity buckets",
		Apply:       func(tx *bolt.Tx) error { return nil },
	},
	{
		Version:     2,
		Description: "backfill host.arch to x86_64 where unset",
		Apply:       migrateBackfillHostArch,
	},
	{
		Version:     3,
		Description: "backfill instance.mailbox_endpoints and instance.events to empty collections",
		Apply:       migrateBackfillInstanceCollections,
	},
}

func migrateBackfillHostArch(tx *bolt.Tx) error {
	b := tx.Bucket([]byte(bucketHosts))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var row map[string]json.RawMessage
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("decode host %s: %w", k, err)
		}
		if arch, ok := row["Arch"]; ok && string(arch) != `""` && string(arch) != "null" {
			return nil
		}
		row["Arch"] = json.RawMessage(`"x86_64"`)
		out, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
}

func migrateBackfillInstanceCollections(tx *bolt.Tx) error {
	b := tx.Bucket([]byte(bucketInstances))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		var row map[string]json.RawMessage
		if err := json.Unmarshal(v, &row); err != nil {
			return fmt.Errorf("decode instance %s: %w", k, err)
		}
		changed := false
		if raw, ok := row["MailboxEndpoints"]; !ok || string(raw) == "null" {
			row["MailboxEndpoints"] = json.RawMessage(`{}`)
			changed = true
		}
		if raw, ok := row["Events"]; !ok || string(raw) == "null" {
			row["Events"] = json.RawMessage(`[]`)
			changed = true
		}
		if !changed {
			return nil
		}
		out, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put(k, out)
	})
}

func currentSchemaVersion(tx *bolt.Tx) int {
	b := tx.Bucket([]byte(bucketMeta))
	if b == nil {
		return 0
	}
	raw := b.Get([]byte(schemaVersionKey))
	if raw == nil {
		return 0
	}
	var v int
	_ = json.Unmarshal(raw, &v)
	return v
}

func setSchemaVersion(tx *bolt.Tx, v int) error {
	b, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
	if err != nil {
		return err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(schemaVersionKey), out)
}

// applyPendingMigrations runs every migration newer than the database's
// recorded schema version, in ascending Version order, inside a single
// bolt transaction, then records the new version. Open calls this
// automatically so every caller always sees an up-to-date schema
// without a separate provisioning step.
func applyPendingMigrations(bdb *bolt.DB) ([]Migration, error) {
	var applied []Migration
	err := bdb.Update(func(tx *bolt.Tx) error {
		current := currentSchemaVersion(tx)
		for _, m := range migrations {
			if m.Version <= current {
				continue
			}
			if err := m.Apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			applied = append(applied, m)
		}
		if len(applied) == 0 {
			return nil
		}
		return setSchemaVersion(tx, applied[len(applied)-1].Version)
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Migrate opens the bbolt file under dataDir directly and applies every
// pending migration, backing the file up first unless dryRun is set. It
// is the backing implementation of the `laasd migrate` subcommand,
// grounded on the teacher's standalone warren-migrate tool (backup
// before write, dry-run reports without touching the file) adapted into
// an ordered, additive registry rather than a one-off bucket rename.
func Migrate(dataDir string, dryRun bool, backupPath string) ([]Migration, error) {
	path := filepath.Join(dataDir, "laasd.db")

	if !dryRun {
		if backupPath == "" {
			backupPath = path + ".backup"
		}
		if err := copyFile(path, backupPath); err != nil {
			return nil, fmt.Errorf("backup database: %w", err)
		}
	}

	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer bdb.Close()

	if dryRun {
		var pending []Migration
		err := bdb.View(func(tx *bolt.Tx) error {
			current := currentSchemaVersion(tx)
			for _, m := range migrations {
				if m.Version > current {
					pending = append(pending, m)
				}
			}
			return nil
		})
		return pending, err
	}

	return applyPendingMigrations(bdb)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
