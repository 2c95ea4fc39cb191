// Package node owns the identity of an arrivald process and the ULID
// generator shared by everything that needs a sortable unique ID: schedule
// instances, webhook subscriptions and archive records.
//
// The node ID is created on first start and kept in <data_dir>/node_id so that
// archived snapshots written across restarts can be traced to the same server.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// ID is a ULID string identifying one server.
type ID string

func (id ID) String() string { return string(id) }

// Node is the identity of this server instance.
type Node struct {
	id      ID
	dataDir string
	started time.Time
}

// New loads the node ID from dataDir/node_id, creating the file with a fresh
// ULID when missing. An override other than "" or "auto" is used verbatim
// after validation and nothing is written.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	n := &Node{dataDir: dataDir, started: time.Now()}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

// ID returns the node's ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the directory the node was opened on.
func (n *Node) DataDir() string { return n.dataDir }

// Uptime reports how long ago New was called.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(s); perr != nil {
			return "", fmt.Errorf("node: %s holds invalid id %q: %w", path, s, perr)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// ─── ID generation ────────────────────────────────────────────────────────────

// A single monotonic entropy source keeps IDs minted in the same millisecond
// in generation order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new time-ordered ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
