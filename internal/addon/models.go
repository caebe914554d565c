package addon

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// Kind identifies the category of an add-on.
type Kind string

const (
	KindAircraft       Kind = "Aircraft"
	KindScenery        Kind = "Scenery"
	KindSceneryLibrary Kind = "SceneryLibrary"
	KindPlugin         Kind = "Plugin"
	KindNavdata        Kind = "Navdata"
)

// Kinds lists every known add-on kind.
var Kinds = []Kind{KindAircraft, KindScenery, KindSceneryLibrary, KindPlugin, KindNavdata}

// ParseKind converts a string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown addon kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// DetectedItem is a single add-on found by the scanner.
// Path is either a directory or an archive file; archive items carry the
// root of the add-on inside the archive.
type DetectedItem struct {
	Kind                Kind    `json:"addonType"`
	Path                string  `json:"path"`
	ArchiveInternalRoot *string `json:"archiveInternalRoot,omitempty"`
	DisplayName         string  `json:"displayName"`
	// ExtractionChain is set when the add-on sits inside archives nested in Path.
	ExtractionChain *ExtractionChain `json:"extractionChain,omitempty"`
}

// FromArchive reports whether the item was found inside an archive.
func (d DetectedItem) FromArchive() bool {
	return d.ArchiveInternalRoot != nil || d.ExtractionChain != nil
}

// EffectivePath is the path used when comparing items for overlap.
func (d DetectedItem) EffectivePath() string {
	if d.ExtractionChain != nil {
		if d.ExtractionChain.FinalRoot != nil {
			return NormalizeArchivePath(*d.ExtractionChain.FinalRoot)
		}
		return ""
	}
	if d.ArchiveInternalRoot != nil {
		return NormalizeArchivePath(*d.ArchiveInternalRoot)
	}
	return filepath.Clean(d.Path)
}

// ArchiveKey identifies the archive layer an archive item was found in:
// the outer archive path followed by any nested archive names.
func (d DetectedItem) ArchiveKey() string {
	key := filepath.Clean(d.Path)
	if d.ExtractionChain != nil {
		for _, a := range d.ExtractionChain.Archives {
			key += "!" + NormalizeArchivePath(a)
		}
	}
	return key
}

// NormalizeArchivePath converts an archive entry name into a clean,
// forward-slash relative path without leading or trailing separators.
func NormalizeArchivePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// ExtractionChain describes archives nested inside the task's source archive.
// Archives are listed outermost first, each path relative to the previous layer.
type ExtractionChain struct {
	Archives  []string `json:"archives"`
	FinalRoot *string  `json:"finalRoot,omitempty"`
}

// HashAlgorithm names the checksum used for a FileHash.
type HashAlgorithm string

const (
	AlgorithmCRC32  HashAlgorithm = "crc32"
	AlgorithmSHA256 HashAlgorithm = "sha256"
)

// FileHash is the expected content hash of one installed file.
type FileHash struct {
	Path      string        `json:"path"`
	Hash      string        `json:"hash"`
	Algorithm HashAlgorithm `json:"algorithm"`
}

// InstallTask is a fully resolved instruction to place one add-on at one destination.
type InstallTask struct {
	ID                  string              `json:"id"`
	Kind                Kind                `json:"addonType"`
	SourcePath          string              `json:"sourcePath"`
	TargetPath          string              `json:"targetPath"`
	DisplayName         string              `json:"displayName"`
	ArchiveInternalRoot *string             `json:"archiveInternalRoot,omitempty"`
	ExtractionChain     *ExtractionChain    `json:"extractionChain,omitempty"`
	ShouldOverwrite     bool                `json:"shouldOverwrite"`
	Merge               bool                `json:"merge,omitempty"`
	Password            string              `json:"password,omitempty"`
	FileHashes          map[string]FileHash `json:"fileHashes,omitempty"`
	EnableVerification  bool                `json:"enableVerification"`
	BackupLiveries      bool                `json:"backupLiveries"`
	BackupConfigFiles   bool                `json:"backupConfigFiles"`
	ConfigFilePatterns  []string            `json:"configFilePatterns,omitempty"`
	ConflictExists      bool                `json:"conflictExists"`
}

// FromArchive reports whether the task installs from an archive source.
func (t InstallTask) FromArchive() bool {
	return t.ArchiveInternalRoot != nil || t.ExtractionChain != nil
}

// HashRoot returns the archive-internal root that installed content is taken from.
// For nested archives this is the root inside the innermost archive.
func (t InstallTask) HashRoot() string {
	if t.ExtractionChain != nil {
		if t.ExtractionChain.FinalRoot != nil {
			return NormalizeArchivePath(*t.ExtractionChain.FinalRoot)
		}
		return ""
	}
	if t.ArchiveInternalRoot != nil {
		return NormalizeArchivePath(*t.ArchiveInternalRoot)
	}
	return ""
}

// WantsDataBackup reports whether the task asks to preserve liveries or config files.
func (t InstallTask) WantsDataBackup() bool {
	return t.BackupLiveries || t.BackupConfigFiles
}

// Validate checks that the task is complete enough to execute.
func (t InstallTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("task %s: unknown addon kind %q", t.ID, t.Kind)
	}
	if t.SourcePath == "" {
		return fmt.Errorf("task %s: source path is empty", t.ID)
	}
	if t.TargetPath == "" {
		return fmt.Errorf("task %s: target path is empty", t.ID)
	}
	if !filepath.IsAbs(t.TargetPath) {
		return fmt.Errorf("task %s: target path must be absolute: %q", t.ID, t.TargetPath)
	}
	if t.ExtractionChain != nil && len(t.ExtractionChain.Archives) == 0 {
		return fmt.Errorf("task %s: extraction chain has no archives", t.ID)
	}
	for _, p := range t.ConfigFilePatterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("task %s: bad config file pattern %q: %w", t.ID, p, err)
		}
	}
	return nil
}

// LoadDetectedItems decodes a JSON array of detected items.
func LoadDetectedItems(r io.Reader) ([]DetectedItem, error) {
	var items []DetectedItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding detected items: %w", err)
	}
	for i, it := range items {
		if !it.Kind.Valid() {
			return nil, fmt.Errorf("detected item %d: unknown addon kind %q", i, it.Kind)
		}
	}
	return items, nil
}

// LoadTasks decodes a JSON array of install tasks.
func LoadTasks(r io.Reader) ([]InstallTask, error) {
	var tasks []InstallTask
	if err := json.NewDecoder(r).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decoding install tasks: %w", err)
	}
	return tasks, nil
}

// WriteTasks encodes tasks as indented JSON.
func WriteTasks(w io.Writer, tasks []InstallTask) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tasks); err != nil {
		return fmt.Errorf("encoding install tasks: %w", err)
	}
	return nil
}
