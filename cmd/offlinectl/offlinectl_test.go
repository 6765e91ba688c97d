package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/offlinefirst/datalayer/internal/config"
)

// runCmdInDir executes rootCmd with --data-dir pinned to dir, resetting
// the package-level flag vars first so each call starts from a clean
// slate regardless of what a prior test left behind.
func runCmdInDir(t *testing.T, dir string, args ...string) (stdout string, err error) {
	t.Helper()
	cfgFile, logFile = "", ""
	logJSON, jsonOutput = false, false
	logLevel = "error"
	dataDir = dir

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--data-dir", dir}, args...))
	err = rootCmd.Execute()
	return buf.String(), err
}

func TestInitMintsAndPersistsDeviceID(t *testing.T) {
	dir := t.TempDir()
	out, err := runCmdInDir(t, dir, "init", "--json")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	firstID, _ := first["deviceId"].(string)
	if firstID == "" {
		t.Fatal("expected a non-empty device id")
	}

	out2, err := runCmdInDir(t, dir, "init", "--json")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	var second map[string]any
	if err := json.Unmarshal([]byte(out2), &second); err != nil {
		t.Fatalf("parse second output: %v\n%s", err, out2)
	}
	if second["deviceId"] != firstID {
		t.Errorf("device id changed across runs: %v -> %v", firstID, second["deviceId"])
	}
}

func TestHealthReportsHealthyAfterInit(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCmdInDir(t, dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := runCmdInDir(t, dir, "health", "--json")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if report["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", report["status"])
	}
}

func TestMigrateRunsAgainstJSONExportAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "legacy.json")
	legacy := `{
		"users": [{"UserID": "u1", "DisplayName": "Ada"}],
		"issues": [
			{"IssueID": "bd-1", "Title": "fix the thing", "Status": "pending", "Priority": "medium"},
			{"IssueID": "bd-2", "Title": "fix another thing", "Status": "pending", "Priority": "low"}
		]
	}`
	if err := os.WriteFile(exportPath, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy export: %v", err)
	}

	out, err := runCmdInDir(t, dir, "migrate", "--source", exportPath, "--json")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if result["Completed"] != true {
		t.Errorf("Completed = %v, want true, output: %s", result["Completed"], out)
	}

	// Second run against the same store should short-circuit on the
	// already-completed checkpoint rather than error out.
	out2, err := runCmdInDir(t, dir, "migrate", "--source", exportPath, "--json")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var result2 map[string]any
	if err := json.Unmarshal([]byte(out2), &result2); err != nil {
		t.Fatalf("parse second output: %v\n%s", err, out2)
	}
	if result2["Completed"] != true {
		t.Errorf("second run Completed = %v, want true", result2["Completed"])
	}
}

func TestSyncWithNoEndpointConfiguredIsANoOp(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCmdInDir(t, dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := runCmdInDir(t, dir, "sync", "--json")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if report["Pushed"] != float64(0) || report["Pulled"] != float64(0) {
		t.Errorf("expected a no-op report with no endpoint configured, got %s", out)
	}
}

func TestQuotaProbeReportsSeverityOnFreshStore(t *testing.T) {
	dir := t.TempDir()
	if _, err := runCmdInDir(t, dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := runCmdInDir(t, dir, "quota", "--json")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if _, ok := report["Severity"]; !ok {
		t.Errorf("expected a Severity field in %s", out)
	}
}

func TestPolicyForMapsEveryConfiguredStrategy(t *testing.T) {
	cases := map[config.ConflictStrategy]string{
		config.StrategyLastWriteWins: "lastWriteWins",
		config.StrategyRemoteWins:    "remoteWins",
		config.StrategyLocalWins:     "localWins",
		config.StrategyMerge:         "merge",
		"":                           "lastWriteWins",
	}
	for strategy, wantName := range cases {
		policy := policyFor(strategy)
		if policy.Name() != wantName {
			t.Errorf("policyFor(%q).Name() = %q, want %q", strategy, policy.Name(), wantName)
		}
	}
}
