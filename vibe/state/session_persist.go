// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/vibe/vibe/structs"
)

const (
	sessionDefinitionFile = "definition.json"
	sessionGraphFile      = "graph.json"
	sessionEventsFile     = "events.log"
)

// sessionGraph is the on-disk shape of a session's dependency graph,
// kept separate from the definition so graph viewers need not parse the
// full task tree.
type sessionGraph struct {
	Nodes []string            `json:"nodes"`
	Edges []structs.GraphEdge `json:"edges"`
}

// sessionPersister writes session artifacts under a base directory, one
// subdirectory per session. Definition and graph are written atomically
// via rename; the event log is append-only NDJSON.
type sessionPersister struct {
	dir string

	// mu guards event log appends.
	mu sync.Mutex
}

func newSessionPersister(dir string) (*sessionPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session dir setup failed: %v", err)
	}
	return &sessionPersister{dir: dir}, nil
}

func (p *sessionPersister) sessionDir(id string) string {
	return filepath.Join(p.dir, id)
}

// SaveSession writes definition.json and graph.json for the session.
func (p *sessionPersister) SaveSession(sess *structs.Session) error {
	dir := p.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session dir setup failed: %v", err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, sessionDefinitionFile), sess); err != nil {
		return err
	}

	graph := &sessionGraph{
		Nodes: sess.GraphNodes,
		Edges: sess.GraphEdges,
	}
	return writeJSONAtomic(filepath.Join(dir, sessionGraphFile), graph)
}

// LoadSession reads a persisted session back from disk, or returns nil
// when no definition exists.
func (p *sessionPersister) LoadSession(id string) (*structs.Session, error) {
	buf, err := os.ReadFile(filepath.Join(p.sessionDir(id), sessionDefinitionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session read failed: %v", err)
	}
	sess := new(structs.Session)
	if err := json.Unmarshal(buf, sess); err != nil {
		return nil, fmt.Errorf("session decode failed: %v", err)
	}
	return sess, nil
}

// AppendEvent adds one NDJSON line to the session's event log.
func (p *sessionPersister) AppendEvent(sessionID string, ev *structs.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event encode failed: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session dir setup failed: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, sessionEventsFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("event log open failed: %v", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("event log write failed: %v", err)
	}
	return nil
}

// writeJSONAtomic writes v to path via a temp file and rename so readers
// never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode failed: %v", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write failed: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename failed: %v", err)
	}
	return nil
}
