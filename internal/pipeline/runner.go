// Package pipeline launches the crew subprocess and streams its output into
// the log file the monitor reads.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/hochfrequenz/crewwatch/internal/config"
	"github.com/hochfrequenz/crewwatch/internal/domain"
)

// StatusChangeCallback is called when a runner's status changes
type StatusChangeCallback func(r *Runner, status domain.RunStatus, errMsg string)

// Inputs is the configuration bundle handed to the crew via environment
type Inputs struct {
	DesignPath        string
	OutputFolder      string
	AEMProjectPath    string
	AEMAppID          string
	AEMNamespace      string
	AEMComponentGroup string
}

// InputsFromConfig copies the pipeline inputs out of the config
func InputsFromConfig(c config.PipelineConfig) Inputs {
	return Inputs{
		DesignPath:        c.DesignPath,
		OutputFolder:      c.OutputFolder,
		AEMProjectPath:    c.AEMProjectPath,
		AEMAppID:          c.AEMAppID,
		AEMNamespace:      c.AEMNamespace,
		AEMComponentGroup: c.AEMComponentGroup,
	}
}

// Env renders the inputs as CREW_* environment variables
func (in Inputs) Env(runID string) []string {
	return []string{
		"CREW_DESIGN_PATH=" + in.DesignPath,
		"CREW_OUTPUT_FOLDER=" + in.OutputFolder,
		"CREW_AEM_PROJECT_PATH=" + in.AEMProjectPath,
		"CREW_AEM_APP_ID=" + in.AEMAppID,
		"CREW_AEM_NAMESPACE=" + in.AEMNamespace,
		"CREW_AEM_COMPONENT_GROUP=" + in.AEMComponentGroup,
		"CREW_RUN_ID=" + runID,
	}
}

// Runner is one execution of the crew pipeline
type Runner struct {
	ID         string
	Command    string
	Args       []string
	Dir        string
	LogPath    string
	CleanDirs  []string
	Inputs     Inputs
	PID        int
	Status     domain.RunStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      error

	OnStatusChange StatusChangeCallback

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	logFile *os.File
	lastErr string
	done    chan struct{}
	mu      sync.Mutex
}

// New creates a queued runner from the pipeline config
func New(id string, c config.PipelineConfig, logPath string) *Runner {
	return &Runner{
		ID:        id,
		Command:   c.Command,
		Args:      append([]string(nil), c.Args...),
		Dir:       c.Dir,
		LogPath:   logPath,
		CleanDirs: append([]string(nil), c.CleanDirs...),
		Inputs:    InputsFromConfig(c),
		Status:    domain.RunQueued,
		done:      make(chan struct{}),
	}
}

// Start cleans the output folders, truncates the log and launches the
// process. Output is streamed to the log in the background.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()

	if r.Status != domain.RunQueued {
		r.mu.Unlock()
		return fmt.Errorf("runner not in queued state: %s", r.Status)
	}
	if r.Command == "" {
		r.mu.Unlock()
		return fmt.Errorf("pipeline command not configured")
	}
	if r.done == nil {
		r.done = make(chan struct{})
	}

	if err := CleanOutputDirs(r.Dir, r.CleanDirs); err != nil {
		r.mu.Unlock()
		return err
	}

	logFile, err := os.Create(r.LogPath)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("creating log file: %w", err)
	}
	r.logFile = logFile

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.cmd = exec.CommandContext(ctx, r.Command, r.Args...)
	r.cmd.Dir = r.Dir
	r.cmd.Env = append(os.Environ(), r.Inputs.Env(r.ID)...)
	// unbuffered python output so lines reach the log as they happen
	r.cmd.Env = append(r.cmd.Env, "PYTHONUNBUFFERED=1")

	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		r.closeLog()
		cancel()
		r.mu.Unlock()
		return err
	}
	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		r.closeLog()
		cancel()
		r.mu.Unlock()
		return err
	}

	if err := r.cmd.Start(); err != nil {
		r.closeLog()
		cancel()
		r.mu.Unlock()
		return fmt.Errorf("starting %s: %w", r.Command, err)
	}

	r.PID = r.cmd.Process.Pid
	now := time.Now()
	r.StartedAt = &now
	r.Status = domain.RunRunning
	callback := r.OnStatusChange
	r.mu.Unlock()

	if callback != nil {
		callback(r, domain.RunRunning, "")
	}

	go r.streamOutput(stdout, stderr)
	return nil
}

// Done is closed once the process has exited and its output is flushed
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(chan struct{})
	}
	return r.done
}

// Wait blocks until the process exits and returns its error
func (r *Runner) Wait() error {
	<-r.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Error
}

// Stop kills the process
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
}

// Duration returns how long the process ran, or has been running
func (r *Runner) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.StartedAt == nil {
		return 0
	}
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// CurrentStatus returns the status under lock
func (r *Runner) CurrentStatus() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

var exceptionLine = regexp.MustCompile(`^[A-Za-z_][\w.]*(Error|Exception): .+`)

func (r *Runner) streamOutput(stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	readLines := func(rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			r.mu.Lock()
			if exceptionLine.MatchString(line) {
				r.lastErr = line
			}
			if r.logFile != nil {
				r.logFile.WriteString(line + "\n")
				r.logFile.Sync() // flush for the tailer
			}
			r.mu.Unlock()
		}
	}

	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()

	err := r.cmd.Wait()

	r.mu.Lock()
	now := time.Now()
	r.FinishedAt = &now

	var errMsg string
	if err != nil {
		r.Status = domain.RunFailed
		if r.lastErr != "" {
			r.Error = fmt.Errorf("%w: %s", err, r.lastErr)
		} else {
			r.Error = err
		}
		errMsg = r.Error.Error()
	} else {
		r.Status = domain.RunCompleted
	}
	newStatus := r.Status

	r.closeLog()
	callback := r.OnStatusChange
	done := r.done
	r.mu.Unlock()

	if callback != nil {
		callback(r, newStatus, errMsg)
	}
	close(done)
}

func (r *Runner) closeLog() {
	if r.logFile != nil {
		r.logFile.Close()
		r.logFile = nil
	}
}

// CleanOutputDirs removes and recreates each directory, relative to base
// when not absolute
func CleanOutputDirs(base string, dirs []string) error {
	for _, d := range dirs {
		p := d
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, d)
		}
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("cleaning %s: %w", d, err)
		}
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("recreating %s: %w", d, err)
		}
	}
	return nil
}
