// Package worker supervises external analysis worker processes.
//
// A Supervisor spawns one process per Run, reads stdout and stderr line by
// line, classifies progress text into StageUpdates, enforces a wall-clock
// timeout with a process-group kill, and extracts the structured result
// payload from stdout. Every Run resolves exactly once.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/classifier"
	"github.com/zjrosen/marketpulse/internal/orchestration/metrics"
)

const (
	DefaultTimeout      = 300 * time.Second
	DefaultKillGrace    = 2 * time.Second
	DefaultMaxLineBytes = 16 * 1024 * 1024
	DefaultStderrTail   = 20
)

// Command describes the worker executable. Positional job arguments are
// appended after Args.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Request is one job's invocation.
type Request struct {
	JobID       string
	Subject     string
	PeriodStart string
	PeriodEnd   string
	Timeout     time.Duration
}

// Argv returns the full argument list passed to the executable.
func (c Command) Argv(req Request) []string {
	args := slices.Clone(c.Args)
	return append(args, req.Subject, req.PeriodStart, req.PeriodEnd)
}

// UpdateFunc receives classified lines in arrival order. Calls are serialized.
type UpdateFunc func(StageUpdate)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithKillGrace bounds how long a killed process is waited for.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killGrace = d
		}
	}
}

// WithMaxLineBytes sets the longest line a stream reader accepts.
func WithMaxLineBytes(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxLineBytes = n
		}
	}
}

// WithStderrTail sets how many trailing stderr lines are kept.
func WithStderrTail(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.stderrTail = n
		}
	}
}

// Supervisor runs worker processes.
type Supervisor struct {
	classifier   *classifier.Classifier
	killGrace    time.Duration
	maxLineBytes int
	stderrTail   int
}

// NewSupervisor creates a Supervisor that classifies with c.
func NewSupervisor(c *classifier.Classifier, opts ...Option) *Supervisor {
	s := &Supervisor{
		classifier:   c,
		killGrace:    DefaultKillGrace,
		maxLineBytes: DefaultMaxLineBytes,
		stderrTail:   DefaultStderrTail,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is a handle to one supervised process.
type Run struct {
	jobID  string
	pid    int
	done   chan struct{}
	once   sync.Once
	result Result
}

// PID returns the worker's process id, or -1 if it never started.
func (r *Run) PID() int { return r.pid }

// Done is closed once the result is available.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run resolves.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) resolve(res Result) {
	r.once.Do(func() {
		r.result = res
		close(r.done)
	})
}

// Run spawns the worker for req. Spawn failures resolve the returned Run
// immediately. Cancelling ctx kills the worker.
func (s *Supervisor) Run(ctx context.Context, command Command, req Request, onUpdate UpdateFunc) *Run {
	r := &Run{jobID: req.JobID, pid: -1, done: make(chan struct{})}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	counter := metrics.NewCounter()

	spawnFailed := func(err error) *Run {
		log.ErrorErr(log.CatWorker, "Worker spawn failed", err, "job_id", req.JobID, "path", command.Path)
		r.resolve(Result{
			Err:     &Error{Kind: KindSpawn, ExitCode: -1, Err: err},
			Metrics: counter.Snapshot(-1, 0),
		})
		return r
	}

	//nolint:gosec // G204: executable path comes from operator configuration
	cmd := exec.Command(command.Path, command.Argv(req)...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	configureCommandProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailed(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return spawnFailed(err)
	}
	r.pid = cmd.Process.Pid

	log.Debug(log.CatWorker, "Worker started",
		"job_id", req.JobID, "pid", r.pid, "timeout", req.Timeout.String())

	st := &runState{
		classifier: s.classifier,
		current:    domain.StageCollection,
		onUpdate:   onUpdate,
		counter:    counter,
		tail:       newLineTail(s.stderrTail),
		capture:    newPayloadCapture(s.maxLineBytes),
	}
	go s.supervise(ctx, r, cmd, stdout, stderr, req, st)
	return r
}

func (s *Supervisor) supervise(
	ctx context.Context,
	r *Run,
	cmd *exec.Cmd,
	stdout, stderr io.ReadCloser,
	req Request,
	st *runState,
) {
	var wg sync.WaitGroup
	var stdoutErr, stderrErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		stdoutErr = s.readLines(stdout, func(line string) { st.handleStdout(line) })
	}()
	go func() {
		defer wg.Done()
		stderrErr = s.readLines(stderr, func(line string) { st.handleStderr(line) })
	}()

	exited := make(chan error, 1)
	go func() {
		// Wait closes the pipes, so it must follow the readers.
		wg.Wait()
		exited <- cmd.Wait()
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	var res Result
	select {
	case waitErr := <-exited:
		st.stop()
		res = st.evaluate(waitErr, errors.Join(stdoutErr, stderrErr))
	case <-timer.C:
		res = s.abort(cmd, exited, st, &Error{
			Kind:     KindTimeout,
			ExitCode: -1,
			Err:      fmt.Errorf("%w after %s", ErrTimeout, req.Timeout),
		}, stdout, stderr)
	case <-ctx.Done():
		res = s.abort(cmd, exited, st, &Error{
			Kind:     KindCancelled,
			ExitCode: -1,
			Err:      fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)),
		}, stdout, stderr)
	}

	if res.Err != nil {
		log.Warn(log.CatWorker, "Worker failed",
			"job_id", req.JobID, "pid", r.pid, "error", res.Err.Error())
	} else {
		log.Debug(log.CatWorker, "Worker finished",
			"job_id", req.JobID, "pid", r.pid, "payload", res.Payload != nil,
			"lines", res.Metrics.FormatLines(), "duration", res.Metrics.FormatDuration())
	}
	r.resolve(res)
}

// abort kills the process group, stops delivery, and waits up to killGrace
// for the process to be reaped. The kill comes first: stopping delivery
// waits for an in-flight update callback.
func (s *Supervisor) abort(
	cmd *exec.Cmd,
	exited <-chan error,
	st *runState,
	failure *Error,
	pipes ...io.Closer,
) Result {
	terminateCommandProcess(cmd)
	for _, p := range pipes {
		_ = p.Close()
	}
	st.stop()

	grace := time.NewTimer(s.killGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		log.Warn(log.CatWorker, "Killed worker not reaped within grace period",
			"pid", cmd.Process.Pid, "grace", s.killGrace.String())
	}

	failure.StderrTail = st.tailLines()
	return Result{
		Err:        failure,
		StderrTail: failure.StderrTail,
		Metrics:    st.counter.Snapshot(-1, 0),
	}
}

// readLines scans r line by line. After a scan error the rest of the stream
// is discarded so the worker never blocks on a full pipe.
func (s *Supervisor) readLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, min(64*1024, s.maxLineBytes))
	scanner.Buffer(buf, s.maxLineBytes)

	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// runState is the per-run state shared by the two stream readers. mu
// serializes classification, stage tracking and update delivery so updates
// reach the caller in arrival order and never after resolution.
type runState struct {
	mu         sync.Mutex
	classifier *classifier.Classifier
	current    domain.StageID
	stopped    bool
	onUpdate   UpdateFunc
	counter    *metrics.Counter
	tail       *lineTail
	capture    *payloadCapture
}

func (st *runState) handleStdout(line string) {
	st.counter.Line(false)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.capture.add(line) {
		return
	}
	st.classifyLocked(line, false)
}

func (st *runState) handleStderr(line string) {
	st.counter.Line(true)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tail.add(line)
	st.classifyLocked(line, true)
}

func (st *runState) classifyLocked(line string, stderr bool) {
	if st.stopped {
		return
	}
	ev, ok := st.classifier.Classify(line, st.current)
	st.counter.Classified(ok)
	if !ok {
		return
	}

	st.current = ev.Stage
	if ev.Advance {
		if next := ev.Stage.Next(); next != domain.StagePersistence && next != domain.StageDone {
			st.current = next
		}
	}

	if st.onUpdate != nil {
		st.onUpdate(StageUpdate{
			Stage:   ev.Stage,
			Status:  ev.Status,
			Message: ev.Message,
			Details: ev.Details,
			Advance: ev.Advance,
			Rule:    ev.Rule,
			Stderr:  stderr,
		})
	}
}

func (st *runState) tailLines() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tail.lines()
}

func (st *runState) stop() {
	st.mu.Lock()
	st.stopped = true
	st.mu.Unlock()
}

// evaluate interprets a natural exit.
func (st *runState) evaluate(waitErr, readErr error) Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	tail := st.tail.lines()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{
				Err:        &Error{Kind: KindNonZeroExit, ExitCode: exitErr.ExitCode(), StderrTail: tail, Err: waitErr},
				StderrTail: tail,
				Metrics:    st.counter.Snapshot(exitErr.ExitCode(), 0),
			}
		}
		readErr = errors.Join(readErr, waitErr)
	}
	if readErr != nil {
		return Result{
			Err:        &Error{Kind: KindStream, Err: readErr},
			StderrTail: tail,
			Metrics:    st.counter.Snapshot(0, 0),
		}
	}

	payload, err := st.capture.result()
	if err == nil && payload != nil {
		err = ValidatePayload(payload)
	}
	if err != nil {
		return Result{
			Err:        &Error{Kind: KindPayloadParse, Err: err},
			StderrTail: tail,
			Metrics:    st.counter.Snapshot(0, 0),
		}
	}
	return Result{
		Payload:    payload,
		StderrTail: tail,
		Metrics:    st.counter.Snapshot(0, len(payload)),
	}
}

// lineTail keeps the last n lines.
type lineTail struct {
	n   int
	buf []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	if t.n <= 0 {
		return
	}
	if len(t.buf) == t.n {
		t.buf = t.buf[1:]
	}
	t.buf = append(t.buf, line)
}

func (t *lineTail) lines() []string {
	return slices.Clone(t.buf)
}
