package plan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/BadgerOps/addonkit/internal/addon"
)

// TaskDefaults seeds the option fields of every created task.
type TaskDefaults struct {
	EnableVerification bool
	// The backup options only apply to Aircraft tasks.
	BackupLiveries     bool
	BackupConfigFiles  bool
	ConfigFilePatterns []string
}

// Planner materializes install tasks under one installation root.
type Planner struct {
	root     string
	defaults TaskDefaults
	logger   *slog.Logger
}

// NewPlanner returns a Planner for the installation at root.
func NewPlanner(root string, defaults TaskDefaults, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{root: filepath.Clean(root), defaults: defaults, logger: logger}
}

// KindDir returns the folder below root that holds add-ons of kind. Navdata
// for the GNS430 goes to its own subfolder, selected by name.
func KindDir(root string, kind addon.Kind, name string) string {
	switch kind {
	case addon.KindAircraft:
		return filepath.Join(root, "Aircraft")
	case addon.KindScenery, addon.KindSceneryLibrary:
		return filepath.Join(root, "Custom Scenery")
	case addon.KindPlugin:
		return filepath.Join(root, "Resources", "plugins")
	case addon.KindNavdata:
		if strings.Contains(strings.ToUpper(name), "GNS430") {
			return filepath.Join(root, "Custom Data", "GNS430")
		}
		return filepath.Join(root, "Custom Data")
	default:
		return root
	}
}

// TargetPath returns where an add-on of kind named name is installed below root.
func TargetPath(root string, kind addon.Kind, name string) string {
	return filepath.Join(KindDir(root, kind, name), name)
}

// CheckDisplayName rejects names that would not resolve to a folder of
// their own directly below the kind folder.
func CheckDisplayName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("display name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("display name %q is not a folder name", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("display name %q contains a path separator", name)
	}
	return nil
}

// CreateInstallTask builds the install task for item. ConflictExists
// reflects the target at this moment only and is checked again at install.
func (p *Planner) CreateInstallTask(item addon.DetectedItem) (addon.InstallTask, error) {
	if err := CheckDisplayName(item.DisplayName); err != nil {
		return addon.InstallTask{}, fmt.Errorf("%s: %w", item.Path, err)
	}
	target := TargetPath(p.root, item.Kind, item.DisplayName)

	task := addon.InstallTask{
		ID:                 uuid.NewString(),
		Kind:               item.Kind,
		SourcePath:         item.Path,
		TargetPath:         target,
		DisplayName:        item.DisplayName,
		EnableVerification: p.defaults.EnableVerification,
	}
	if item.ArchiveInternalRoot != nil {
		root := *item.ArchiveInternalRoot
		task.ArchiveInternalRoot = &root
	}
	if item.ExtractionChain != nil {
		chain := addon.ExtractionChain{Archives: append([]string(nil), item.ExtractionChain.Archives...)}
		if item.ExtractionChain.FinalRoot != nil {
			root := *item.ExtractionChain.FinalRoot
			chain.FinalRoot = &root
		}
		task.ExtractionChain = &chain
	}
	if item.Kind == addon.KindAircraft {
		task.BackupLiveries = p.defaults.BackupLiveries
		task.BackupConfigFiles = p.defaults.BackupConfigFiles
		task.ConfigFilePatterns = append([]string(nil), p.defaults.ConfigFilePatterns...)
	}
	if _, err := os.Lstat(target); err == nil {
		task.ConflictExists = true
	}
	return task, nil
}

// Plan deduplicates items, creates their tasks and drops tasks that
// resolve to an already claimed target path. Items whose display name
// fails CheckDisplayName are logged and dropped.
func (p *Planner) Plan(items []addon.DetectedItem) []addon.InstallTask {
	unique := Deduplicate(items)
	tasks := make([]addon.InstallTask, 0, len(unique))
	for _, item := range unique {
		task, err := p.CreateInstallTask(item)
		if err != nil {
			p.logger.Warn("dropping detected item", "kind", item.Kind, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	planned := DeduplicateByTargetPath(tasks)

	if dropped := len(tasks) - len(planned); dropped > 0 {
		p.logger.Debug("merged tasks sharing a target path", "dropped", dropped)
	}
	p.logger.Info("install plan ready",
		"detected", len(items),
		"deduplicated", len(unique),
		"tasks", len(planned),
	)
	return planned
}
