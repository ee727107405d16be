package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/stats"
	"github.com/shopspring/decimal"
)

// Filename is the name of the state file inside the data directory.
const Filename = "mpool-replace-state.json"

// metadata identifies the state file format.
var metadata = struct {
	Header  string
	Version string
}{
	Header:  "Mpool Replace State",
	Version: "1.0.0",
}

// Info describes the file a state was loaded from.
type Info struct {
	Found      bool
	SavedEpoch int64
	SavedAt    time.Time
}

// Store loads and saves the complete engine state.
type Store interface {
	Load() (*engine.State, Info, error)
	Save(state *engine.State, epoch int64) error
}

// document is the persisted layout.
type document struct {
	PendingMessages map[engine.MessageID]int64               `json:"pendingMessages"`
	WorkingMessages map[engine.MessageID]engine.WorkingEntry `json:"workingMessages"`
	Statistics      stats.Statistics                         `json:"statistics"`
	FeeWindow       []decimal.Decimal                        `json:"feeWindow"`
	AgeWindow       []int64                                  `json:"ageWindow"`
	SavedEpoch      int64                                    `json:"savedEpoch"`
	SavedAt         time.Time                                `json:"savedAt"`
}

// New returns a file-backed store in dir, or a memory-only store when dir is
// empty. Window capacities size the state returned by Load.
func New(dir string, feeWindow, ageWindow int) Store {
	if dir == "" {
		return Nop{feeWindow: feeWindow, ageWindow: ageWindow}
	}
	return &FileStore{dir: dir, feeWindow: feeWindow, ageWindow: ageWindow}
}

// FileStore keeps the state in a single JSON file.
type FileStore struct {
	dir       string
	feeWindow int
	ageWindow int
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, Filename)
}

// Load reads the state file. A missing file yields an empty state and no
// error. An unreadable or invalid file yields an empty state together with
// an error wrapping engine.ErrPersistenceCorrupt; callers log it and carry on.
func (s *FileStore) Load() (*engine.State, Info, error) {
	empty := engine.NewState(s.feeWindow, s.ageWindow)

	data, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return empty, Info{}, nil
	}
	if err != nil {
		return empty, Info{}, fmt.Errorf("%w: read %s: %v", engine.ErrPersistenceCorrupt, s.Path(), err)
	}

	var doc document
	if err := decode(data, &doc); err != nil {
		return empty, Info{}, fmt.Errorf("%w: %s: %v", engine.ErrPersistenceCorrupt, s.Path(), err)
	}

	state := engine.NewState(s.feeWindow, s.ageWindow)
	for id, enqueue := range doc.PendingMessages {
		state.Pending[id] = engine.PendingEntry{ID: id, EnqueueEpoch: enqueue}
	}
	for id, entry := range doc.WorkingMessages {
		entry.ID = id
		w := entry
		state.Working[id] = &w
		// Working wins if a broken file lists an id in both sets.
		delete(state.Pending, id)
	}
	state.Stats.Restore(doc.Statistics, doc.FeeWindow, doc.AgeWindow)

	return state, Info{Found: true, SavedEpoch: doc.SavedEpoch, SavedAt: doc.SavedAt}, nil
}

// Save atomically replaces the state file: the document is written to a
// temporary file in the same directory, synced and renamed into place.
func (s *FileStore) Save(state *engine.State, epoch int64) error {
	doc := document{
		PendingMessages: make(map[engine.MessageID]int64, len(state.Pending)),
		WorkingMessages: make(map[engine.MessageID]engine.WorkingEntry, len(state.Working)),
		Statistics:      state.Stats.Statistics(),
		FeeWindow:       state.Stats.FeeSamples(),
		AgeWindow:       state.Stats.AgeSamples(),
		SavedEpoch:      epoch,
		SavedAt:         time.Now().UTC(),
	}
	for id, p := range state.Pending {
		doc.PendingMessages[id] = p.EnqueueEpoch
	}
	for id, w := range state.Working {
		doc.WorkingMessages[id] = *w
	}

	data, err := encode(doc)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, Filename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func encode(doc document) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(metadata.Header); err != nil {
		return nil, fmt.Errorf("encode metadata header: %w", err)
	}
	if err := enc.Encode(metadata.Version); err != nil {
		return nil, fmt.Errorf("encode metadata version: %w", err)
	}
	body, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

func decode(data []byte, doc *document) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	var header, version string
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header != metadata.Header {
		return fmt.Errorf("wrong state file header %q", header)
	}
	if err := dec.Decode(&version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if version != metadata.Version {
		return fmt.Errorf("unsupported state file version %q", version)
	}

	if err := json.Unmarshal(data[dec.InputOffset():], doc); err != nil {
		return fmt.Errorf("parse state body: %w", err)
	}
	return nil
}

// Nop keeps no state across restarts.
type Nop struct {
	feeWindow int
	ageWindow int
}

func (n Nop) Load() (*engine.State, Info, error) {
	return engine.NewState(n.feeWindow, n.ageWindow), Info{}, nil
}

func (Nop) Save(*engine.State, int64) error { return nil }
