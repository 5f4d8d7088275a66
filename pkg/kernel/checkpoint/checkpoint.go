// Package checkpoint persists per-(stage, target) progress so interrupted
// runs resume from the last completed unit instead of re-downloading.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/corpusvet/corpusvet/pkg/kernel/atomicio"
	"github.com/corpusvet/corpusvet/pkg/kernel/pathsafe"
)

// State is the durable progress of one target within one stage.
type State struct {
	Stage        string            `json:"stage"`
	TargetID     string            `json:"target_id"`
	Done         bool              `json:"done"`
	Completed    map[string]string `json:"completed"` // unit name → sha256
	UpdatedAtUTC time.Time         `json:"updated_at_utc"`
}

// Store reads and writes checkpoint files under a root directory.
type Store struct {
	root string
}

// NewStore creates a checkpoint store rooted at root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure checkpoint root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(stage, targetID string) string {
	name := pathsafe.SanitizeFilename(stage) + "__" + pathsafe.SanitizeFilename(targetID) + ".json"
	return filepath.Join(s.root, name)
}

// Load returns the stored state for (stage, target), if any.
func (s *Store) Load(stage, targetID string) (*State, bool, error) {
	var st State
	err := atomicio.ReadJSON(s.path(stage, targetID), &st)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint %s/%s: %w", stage, targetID, err)
	}
	return &st, true, nil
}

// Save writes state atomically.
func (s *Store) Save(st *State) error {
	st.UpdatedAtUTC = time.Now().UTC()
	return atomicio.WriteJSON(s.path(st.Stage, st.TargetID), st)
}

// MarkCompleted records one finished unit and persists the state.
func (s *Store) MarkCompleted(st *State, unit, sha256 string) error {
	if st.Completed == nil {
		st.Completed = make(map[string]string)
	}
	st.Completed[unit] = sha256
	return s.Save(st)
}

// Wipe removes all checkpoints for a stage (--no-resume).
func (s *Store) Wipe(stage string) error {
	matches, err := filepath.Glob(filepath.Join(s.root, pathsafe.SanitizeFilename(stage)+"__*.json"))
	if err != nil {
		return fmt.Errorf("enumerate checkpoints: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("remove checkpoint %s: %w", m, err)
		}
	}
	return nil
}
