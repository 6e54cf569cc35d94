//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// FixturesDir returns the path to the fixtures directory
func FixturesDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Join(filepath.Dir(filename), "fixtures")
}

// SampleLog returns the path to the recorded crew log fixture
func SampleLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(FixturesDir(t), "crew_execution.log")
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../crewwatch",
		"./crewwatch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "crewwatch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../crewwatch", "../cmd/crewwatch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../crewwatch")
	return abs
}

// testEnv is an isolated workspace with its own config, database and log
type testEnv struct {
	Dir        string
	ConfigPath string
	DBPath     string
	LogPath    string
}

// newTestEnv writes a config that launches script with sh inside a temp dir
func newTestEnv(t *testing.T, script string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "config.toml"),
		DBPath:     filepath.Join(dir, "runs.db"),
		LogPath:    filepath.Join(dir, "crew_execution.log"),
	}

	scriptPath := filepath.Join(dir, "crew.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	config := `[general]
log_file = "` + env.LogPath + `"
database_path = "` + env.DBPath + `"
topology = "aem"

[pipeline]
command = "sh"
args = ["` + scriptPath + `"]
dir = "` + dir + `"
design_path = "designs/landing.png"
output_folder = "` + filepath.Join(dir, "out") + `"

[monitor]
poll_interval = "50ms"
max_wait = "30s"
watch_fs = false

[notifications]
desktop = false

[web]
port = 8080
host = "127.0.0.1"

[logging]
level = "warn"
`
	if err := os.WriteFile(env.ConfigPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return env
}

// run executes the CLI with the env's config and returns combined output
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append([]string{"--config", e.ConfigPath}, args...)...)
	cmd.Dir = e.Dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// fixtureScript prints the sample log line by line, like a crew run would
func fixtureScript(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(SampleLog(t))
	if err != nil {
		t.Fatalf("Failed to read fixture: %v", err)
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		b.WriteString("printf '%s\\n' '" + strings.ReplaceAll(line, "'", `'\''`) + "'\n")
	}
	return b.String()
}
