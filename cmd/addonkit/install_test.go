package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/config"
	"github.com/BadgerOps/addonkit/internal/installer"
	"github.com/BadgerOps/addonkit/internal/verify"
)

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := newJSONLinesSink(&buf)

	file := "A330.acf"
	sink.Progress(installer.InstallProgress{TotalBytes: 100, TotalTasks: 1, Phase: installer.PhaseCalculating})
	sink.Progress(installer.InstallProgress{
		Percentage:      50,
		TotalBytes:      100,
		ProcessedBytes:  50,
		TotalTasks:      1,
		CurrentTaskName: "A330",
		CurrentFile:     &file,
		Phase:           installer.PhaseInstalling,
	})

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]any
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON: %v", scanner.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0]["currentFile"] != nil {
		t.Errorf("expected null currentFile, got %v", lines[0]["currentFile"])
	}
	if lines[1]["currentFile"] != "A330.acf" {
		t.Errorf("expected currentFile A330.acf, got %v", lines[1]["currentFile"])
	}
	if lines[1]["phase"] != "Installing" {
		t.Errorf("expected phase Installing, got %v", lines[1]["phase"])
	}
}

func TestPrintReport(t *testing.T) {
	start := time.Now()
	report := &installer.Report{
		Started:  start,
		Finished: start.Add(2 * time.Second),
		Results: []installer.TaskResult{
			{DisplayName: "A330", Kind: addon.KindAircraft, Status: installer.StatusInstalled, Scenario: "fresh"},
			{
				DisplayName: "B737",
				Kind:        addon.KindAircraft,
				Status:      installer.StatusFailed,
				ErrorKind:   installer.KindRestoreVerification,
				Error:       "liveries folder missing after restore",
				BackupPath:  "/xp/.addonkit_backup_1",
			},
			{
				DisplayName: "KSEA",
				Kind:        addon.KindScenery,
				Status:      installer.StatusFailed,
				ErrorKind:   installer.KindVerificationFailed,
				Mismatches:  []verify.Mismatch{{Path: "a.dsf", Error: "file not found"}},
			},
		},
		Stats: installer.StatsSummary{FilesStaged: 1200, BytesStaged: 3 << 20},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	for _, want := range []string{
		"A330",
		"installed",
		"restore_verification",
		"/xp/.addonkit_backup_1",
		"a.dsf: file not found",
		"Installed:      1",
		"Failed:         2",
		"1,200",
		"3.0 MiB",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("a very long add-on name", 10); got != "a very ..." {
		t.Errorf("truncate() = %q", got)
	}
}

func TestTaskDefaultsFromConfig(t *testing.T) {
	globalCfg = config.DefaultConfig()
	t.Cleanup(func() { globalCfg = nil })
	globalCfg.Backup.Liveries = false

	d := taskDefaults()
	if !d.EnableVerification {
		t.Error("expected verification enabled")
	}
	if d.BackupLiveries {
		t.Error("expected liveries backup disabled")
	}
	if len(d.ConfigFilePatterns) != 2 {
		t.Errorf("expected 2 config patterns, got %v", d.ConfigFilePatterns)
	}
}

func TestOpenInputLoadsItems(t *testing.T) {
	path := t.TempDir() + "/items.json"
	if err := writeFile(path, `[{"addonType":"Aircraft","path":"/src/A330","displayName":"A330"}]`); err != nil {
		t.Fatal(err)
	}
	in, err := openInput(path)
	if err != nil {
		t.Fatalf("openInput() failed: %v", err)
	}
	defer in.Close()

	items, err := addon.LoadDetectedItems(in)
	if err != nil {
		t.Fatalf("LoadDetectedItems() failed: %v", err)
	}
	if len(items) != 1 || items[0].Kind != addon.KindAircraft {
		t.Errorf("unexpected items: %+v", items)
	}

	if _, err := openInput(path + ".missing"); err == nil {
		t.Error("expected error for missing file")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
