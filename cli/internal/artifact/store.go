// Package artifact (store.go) persists everything a run produces under
// one fixed directory layout: bundle.zip, prompt.md, response.json,
// response.md, patch.diff, and manifest.json. Filenames never vary, so
// a later `apply` or a human inspecting a failed run always knows where
// to look. Writes are atomic (temp file then rename), and artifacts are
// written the moment they exist, before any later step can fail.
package artifact

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"redline/cli/internal/erruser"
)

// ErrLocked indicates the apply lock is already held by another run.
var ErrLocked = errors.New("another apply is already in progress")

// DefaultDirName is the artifact directory created under the repo root
// unless configured otherwise.
const DefaultDirName = ".redline"

const (
	bundleFilename       = "bundle.zip"
	promptFilename       = "prompt.md"
	responseJSONFilename = "response.json"
	responseTextFilename = "response.md"
	patchFilename        = "patch.diff"
	manifestFilename     = "manifest.json"
	lockFilename         = "lock"
)

// Store is an artifact directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. Nothing is created until the
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string              { return s.dir }
func (s *Store) BundlePath() string       { return filepath.Join(s.dir, bundleFilename) }
func (s *Store) PromptPath() string       { return filepath.Join(s.dir, promptFilename) }
func (s *Store) ResponseJSONPath() string { return filepath.Join(s.dir, responseJSONFilename) }
func (s *Store) ResponseTextPath() string { return filepath.Join(s.dir, responseTextFilename) }
func (s *Store) PatchPath() string        { return filepath.Join(s.dir, patchFilename) }
func (s *Store) ManifestPath() string     { return filepath.Join(s.dir, manifestFilename) }

// WritePrompt persists the prompt sent (or handed to a human reviewer).
func (s *Store) WritePrompt(content string) error {
	return s.writeFile(promptFilename, []byte(content))
}

// WriteResponseJSON persists the raw service response body.
func (s *Store) WriteResponseJSON(raw []byte) error {
	return s.writeFile(responseJSONFilename, raw)
}

// WriteResponseText persists the extracted response text.
func (s *Store) WriteResponseText(content string) error {
	return s.writeFile(responseTextFilename, []byte(content))
}

// WritePatch persists the chosen patch.
func (s *Store) WritePatch(content string) error {
	return s.writeFile(patchFilename, []byte(content))
}

// ReadPatch loads a previously saved patch for offline re-apply.
func (s *Store) ReadPatch() (string, error) {
	data, err := os.ReadFile(s.PatchPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", erruser.New("No saved patch found at "+s.PatchPath()+". Run a review first.", err)
		}
		return "", erruser.New("Could not read the saved patch.", err)
	}
	return string(data), nil
}

// ReadResponseText loads a previously saved response body.
func (s *Store) ReadResponseText() (string, error) {
	data, err := os.ReadFile(s.ResponseTextPath())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Manifest records what one run did, for audit and for correlating the
// artifacts with each other. It is rewritten at every milestone.
type Manifest struct {
	RunID        string    `json:"run_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Model        string    `json:"model,omitempty"`
	IncludeGit   string    `json:"include_git,omitempty"`
	BundleSHA256 string    `json:"bundle_sha256,omitempty"`
	BundleBytes  int64     `json:"bundle_bytes,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
}

// NewManifest starts a manifest for a fresh run with a unique run ID.
func NewManifest(model, includeGit string) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		RunID:      uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Model:      model,
		IncludeGit: includeGit,
	}
}

// SaveManifest writes the manifest, stamping UpdatedAt.
func (s *Store) SaveManifest(m *Manifest) error {
	if m == nil {
		return erruser.New("Cannot save nil manifest.", nil)
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return erruser.New("Could not save the run manifest.", err)
	}
	return s.writeFile(manifestFilename, append(data, '\n'))
}

// LoadManifest reads the manifest. A missing file returns a zero
// Manifest and nil error; invalid JSON is an error.
func (s *Store) LoadManifest() (Manifest, error) {
	data, err := os.ReadFile(s.ManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, erruser.New("Could not read the run manifest.", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, erruser.New("Run manifest is invalid or corrupted.", err)
	}
	return m, nil
}

// writeFile writes atomically under the store dir, creating it first.
func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return erruser.New("Could not create the artifact directory.", err)
	}
	path := filepath.Join(s.dir, name)
	f, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return erruser.New("Could not write "+name+".", err)
	}
	tmpPath := f.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return erruser.New("Could not write "+name+".", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return erruser.New("Could not write "+name+".", err)
	}
	if err := f.Close(); err != nil {
		return erruser.New("Could not write "+name+".", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return erruser.New("Could not write "+name+".", err)
	}
	return nil
}
