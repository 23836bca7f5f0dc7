// Package instance implements spec §4.G: the instance registry governing
// _ponder_meta lifecycle, instance_id/build_id allocation, crash-resume
// adoption, heartbeats, live-view cutover, and stale table GC.
//
// Every physical table an instance owns is named {instance_id}__T (live
// data, see internal/store) and {instance_id}_reorg__T (journal, see
// internal/reorgjournal). This package is what allocates instance_id,
// decides when an existing set of those tables should be adopted instead
// of created fresh, and flips the public view once backfill finishes.
package instance

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
)

// Status is an instance's lifecycle stage, persisted in _ponder_meta.status.
type Status string

const (
	// StatusHistorical is the default status while an instance backfills;
	// its physical tables exist but the public views may still point at a
	// different (older, live) instance.
	StatusHistorical Status = "historical"
	// StatusLive means this instance's tables are the ones the public
	// views currently alias. Set by CutoverToLive.
	StatusLive Status = "live"
	// StatusStopped means the instance shut down cleanly. Its tables are
	// left in place until stale GC decides to reclaim them.
	StatusStopped Status = "stopped"
)

// TableDef describes one user table's physical shape, supplied by the
// compiled schema description the outer scaffolder produces. ColumnsSQL is
// the raw column clause (types, constraints) used verbatim in the CREATE
// TABLE statement for {instanceID}__<name>; offchain tables carry one too
// but Registry never creates or drops them, since the user owns them
// directly.
type TableDef struct {
	Name       string
	Kind       store.TableKind
	ColumnsSQL string
}

// Instance is one row of _ponder_meta: a single running (or crashed)
// indexer process's identity and progress.
type Instance struct {
	InstanceID string
	BuildID    string
	Status     Status
	Checkpoint ponderevent.Checkpoint
	// Adopted is true when Open resumed a crashed or stopped instance's
	// identity instead of allocating a fresh one.
	Adopted bool
}

// ComputeBuildID hashes the three fingerprints that determine whether a
// running process is compatible with an existing instance's tables: the
// loaded configuration, the compiled schema, and the handler source. Two
// processes with the same build_id can safely adopt each other's tables;
// any difference means a redeploy, which always gets a fresh instance.
func ComputeBuildID(configFingerprint, schemaFingerprint, handlerSourceFingerprint string) string {
	sum := sha256.Sum256([]byte(configFingerprint + ";" + schemaFingerprint + ";" + handlerSourceFingerprint))
	return hex.EncodeToString(sum[:])
}

const instanceIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateInstanceID returns a fresh random 4-character alphanumeric
// instance_id. The 36^4 (~1.7M) space makes collisions unlikely but not
// impossible; a collision surfaces as a primary key violation on the
// caller's INSERT into _ponder_meta, which it can retry.
func generateInstanceID() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("instance: generate id: %w", err)
	}
	id := make([]byte, 4)
	for i, v := range raw {
		id[i] = instanceIDAlphabet[int(v)%len(instanceIDAlphabet)]
	}
	return string(id), nil
}

// schemaDescription is the subset of a compiled schema persisted into
// _ponder_meta.schema_json: just the onchain table names, enough for stale
// GC to know which physical and shadow tables to drop without needing the
// full TableDef list (whose ColumnsSQL only matters at creation time).
type schemaDescription struct {
	Tables []string `json:"tables"`
}

func marshalSchema(defs []TableDef) ([]byte, error) {
	var desc schemaDescription
	for _, d := range defs {
		if d.Kind == store.Onchain {
			desc.Tables = append(desc.Tables, d.Name)
		}
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("instance: marshal schema description: %w", err)
	}
	return data, nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
