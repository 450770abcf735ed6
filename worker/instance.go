package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
	"github.com/teranos/buntime/logger"
)

const (
	// readyTimeout bounds the handshake: a worker that has not sent READY
	// within this window is treated as failed.
	readyTimeout = 30 * time.Second

	// defaultTerminateDelay is the grace period between the TERMINATE
	// message and the forced kill.
	defaultTerminateDelay = 500 * time.Millisecond

	// defaultRuntime launches worker entrypoints when the config carries
	// no command of its own.
	defaultRuntime = "bun"

	defaultEntrypoint = "index.ts"

	// maxMessageBytes caps a single protocol line on the worker's stdout.
	maxMessageBytes = 32 << 20
)

// processHandle abstracts the spawned OS process so instance behavior can
// be exercised without real subprocesses.
type processHandle interface {
	Pid() int
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

// SpawnOptions carries everything needed to start one worker process.
type SpawnOptions struct {
	Key    string
	AppDir string
	Config Config

	// APIBaseURL is handed to the worker as BUNTIME_API_URL so apps can
	// call back into the runtime over loopback.
	APIBaseURL string

	// Runtime is the binary used when Config.Command is empty.
	Runtime string

	// NodeEnv is forwarded verbatim; defaults to "production".
	NodeEnv string

	// BaseEnv is the inherited environment before filtering; defaults to
	// os.Environ().
	BaseEnv []string

	// TerminateDelay overrides the grace period before a forced kill.
	TerminateDelay time.Duration

	Log *zap.SugaredLogger
}

// Instance is a single worker OS process plus the supervisor-side state
// needed to correlate requests with responses over its stdout stream.
type Instance struct {
	Key    string
	AppDir string
	ID     string

	cfg            Config
	log            *zap.SugaredLogger
	terminateDelay time.Duration

	proc  processHandle
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan *Message
	critical    bool
	criticalErr error
	terminated  bool

	requestCount        int64
	errorCount          int64
	totalResponseTimeMs int64
	createdAt           time.Time
	lastUsedAt          time.Time
	idleNotified        bool

	readyOnce  sync.Once
	readyCh    chan struct{}
	criticalCh chan struct{}

	termOnce sync.Once
	termErr  error
}

// Spawn starts the worker process for appDir and returns immediately after
// the process is running; callers gate on AwaitReady before dispatching.
func Spawn(opts SpawnOptions) (*Instance, error) {
	if opts.Runtime == "" {
		opts.Runtime = defaultRuntime
	}
	if opts.NodeEnv == "" {
		opts.NodeEnv = "production"
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = os.Environ()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}

	entrypoint := opts.Config.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoint
	}

	argv, err := buildArgv(opts.Config.Command, opts.Runtime, entrypoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid worker command for %s", opts.Key)
	}

	id := uuid.NewString()
	env, err := buildEnv(opts, entrypoint, id)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.AppDir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stdin pipe for worker %s", opts.Key)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stdout pipe for worker %s", opts.Key)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stderr pipe for worker %s", opts.Key)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker %s (%s)", opts.Key, argv[0])
	}

	proc := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()

	inst := newInstance(opts, id, proc, stdin, stdout, stderr)
	inst.log.Debugw("worker spawned",
		logger.FieldWorkerID, inst.ID,
		logger.FieldAppKey, inst.Key,
		logger.FieldDir, inst.AppDir,
		logger.FieldBinary, argv[0],
		"pid", proc.Pid(),
	)
	return inst, nil
}

// newInstance wires an Instance over an already-started process and its
// pipes and launches the read loops.
func newInstance(opts SpawnOptions, id string, proc processHandle, stdin io.WriteCloser, stdout, stderr io.Reader) *Instance {
	if opts.TerminateDelay <= 0 {
		opts.TerminateDelay = defaultTerminateDelay
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	now := time.Now()
	inst := &Instance{
		Key:            opts.Key,
		AppDir:         opts.AppDir,
		ID:             id,
		cfg:            opts.Config,
		log:            opts.Log,
		terminateDelay: opts.TerminateDelay,
		proc:           proc,
		stdin:          stdin,
		pending:        make(map[string]chan *Message),
		createdAt:      now,
		lastUsedAt:     now,
		readyCh:        make(chan struct{}),
		criticalCh:     make(chan struct{}),
	}
	go inst.readLoop(stdout)
	if stderr != nil {
		go inst.stderrLoop(stderr)
	}
	return inst
}

func buildArgv(command, runtime, entrypoint string) ([]string, error) {
	if command == "" {
		return []string{runtime, "run", entrypoint}, nil
	}
	parts, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command %q", command)
	}
	if len(parts) == 0 {
		return nil, errors.Newf("command %q parsed to nothing", command)
	}
	return append(parts, entrypoint), nil
}

// buildEnv filters the inherited and config-provided environment, then
// appends the runtime-injected variables after the filter so they cannot
// be blocked.
func buildEnv(opts SpawnOptions, entrypoint, workerID string) ([]string, error) {
	merged := make([]string, 0, len(opts.BaseEnv)+len(opts.Config.Env))
	merged = append(merged, opts.BaseEnv...)
	for k, v := range opts.Config.Env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}

	env := FilterEnvList(merged, opts.Log)

	serialized, err := opts.Config.Serialize()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize config for worker %s", opts.Key)
	}

	env = append(env,
		"APP_DIR="+opts.AppDir,
		"BUNTIME_API_URL="+opts.APIBaseURL,
		"ENTRYPOINT="+entrypoint,
		"NODE_ENV="+opts.NodeEnv,
		"WORKER_CONFIG="+serialized,
		"WORKER_ID="+workerID,
	)
	return env, nil
}

// AwaitReady blocks until the worker has sent READY, the handshake window
// expires, the worker fails, or ctx is done.
func (i *Instance) AwaitReady(ctx context.Context) error {
	select {
	case <-i.readyCh:
		return nil
	default:
	}

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-i.readyCh:
		return nil
	case <-i.criticalCh:
		return errors.Wrapf(errors.ErrWorkerNotReady,
			"Worker initialization failed for %s: %v", i.Key, i.criticalError())
	case <-timer.C:
		return errors.Wrapf(errors.ErrTimeout,
			"Worker initialization failed for %s: no READY within %s", i.Key, readyTimeout)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "canceled waiting for worker %s to become ready", i.Key)
	}
}

// Fetch sends one request to the worker and waits for the correlated
// response. Exactly one of response, worker error, critical failure,
// timeout, or cancellation resolves the call.
func (i *Instance) Fetch(ctx context.Context, req *RequestPayload) (*ResponsePayload, error) {
	if err := i.AwaitReady(ctx); err != nil {
		i.noteError()
		i.maybeSelfTerminate()
		return nil, err
	}

	i.mu.Lock()
	if i.critical {
		err := i.criticalErr
		i.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrCriticalWorker, "worker %s failed: %v", i.Key, err)
	}
	if i.terminated {
		i.mu.Unlock()
		return nil, errors.Wrapf(errors.ErrWorkerTerminated, "worker %s is terminated", i.Key)
	}
	i.requestCount++
	i.lastUsedAt = time.Now()
	i.idleNotified = false

	reqID := uuid.NewString()
	respCh := make(chan *Message, 1)
	i.pending[reqID] = respCh
	i.mu.Unlock()

	start := time.Now()
	timeout := i.cfg.Timeout()
	timer := time.NewTimer(timeout)

	defer func() {
		timer.Stop()
		i.mu.Lock()
		delete(i.pending, reqID)
		i.mu.Unlock()
		i.maybeSelfTerminate()
	}()

	if err := i.writeMessage(&Message{Type: MessageRequest, ReqID: reqID, Req: req}); err != nil {
		i.fail(errors.Wrap(err, "request write failed"))
		i.noteError()
		return nil, errors.Wrapf(err, "failed to send request to worker %s", i.Key)
	}

	select {
	case msg := <-respCh:
		elapsed := time.Since(start).Milliseconds()
		if msg.Type == MessageError {
			i.noteError()
			if msg.Stack != "" {
				i.log.Debugw("worker error stack",
					logger.FieldWorkerID, i.ID,
					logger.FieldRequestID, reqID,
					"stack", msg.Stack,
				)
			}
			return nil, errors.Newf("worker %s: %s", i.Key, msg.Error)
		}
		i.noteSuccess(elapsed)
		return msg.Res, nil

	case <-i.criticalCh:
		i.noteError()
		return nil, errors.Wrapf(errors.ErrCriticalWorker,
			"worker %s failed: %v", i.Key, i.criticalError())

	case <-timer.C:
		i.noteError()
		return nil, errors.Wrapf(errors.ErrTimeout,
			"worker %s request timeout after %s", i.Key, timeout)

	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "request to worker %s canceled", i.Key)
	}
}

// Terminate asks the worker to shut down, waits out the grace period, then
// kills whatever is left. Safe to call any number of times.
func (i *Instance) Terminate(ctx context.Context) error {
	i.termOnce.Do(func() {
		i.mu.Lock()
		i.terminated = true
		i.mu.Unlock()

		if err := i.writeMessage(&Message{Type: MessageTerminate}); err != nil {
			i.log.Debugw("terminate message not delivered",
				logger.FieldWorkerID, i.ID,
				logger.FieldError, err,
			)
		}

		grace := time.NewTimer(i.terminateDelay)
		defer grace.Stop()
		select {
		case <-i.proc.Done():
		case <-grace.C:
		case <-ctx.Done():
		}

		select {
		case <-i.proc.Done():
			// Exited on its own within the grace period.
		default:
			if err := i.proc.Kill(); err != nil {
				i.termErr = errors.Wrapf(err, "failed to kill worker %s (pid %d)", i.Key, i.proc.Pid())
			}
		}

		if i.stdin != nil {
			_ = i.stdin.Close()
		}

		i.log.Debugw("worker terminated",
			logger.FieldWorkerID, i.ID,
			logger.FieldAppKey, i.Key,
			logger.FieldRequestCount, i.RequestCount(),
		)
	})
	return i.termErr
}

// NotifyIdle sends one IDLE message per idle episode; the latch resets on
// the next fetch.
func (i *Instance) NotifyIdle() {
	i.mu.Lock()
	if i.terminated || i.critical || i.idleNotified {
		i.mu.Unlock()
		return
	}
	i.idleNotified = true
	i.mu.Unlock()

	if err := i.writeMessage(&Message{Type: MessageIdle}); err != nil {
		i.log.Debugw("idle message not delivered",
			logger.FieldWorkerID, i.ID,
			logger.FieldError, err,
		)
	}
}

// IsHealthy is the pool's cacheability test: no critical error, within
// lifetime and idle bounds, under the request budget.
func (i *Instance) IsHealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.critical || i.terminated {
		return false
	}
	if i.cfg.Ephemeral() {
		return true
	}
	if time.Since(i.createdAt) >= i.cfg.TTL() {
		return false
	}
	if idleTimeout := i.cfg.IdleTimeout(); idleTimeout > 0 && time.Since(i.lastUsedAt) >= idleTimeout {
		return false
	}
	if i.cfg.MaxRequests > 0 && i.requestCount >= i.cfg.MaxRequests {
		return false
	}
	return true
}

// Stats returns a point-in-time snapshot of this instance's counters.
func (i *Instance) Stats() *Stats {
	i.mu.Lock()
	defer i.mu.Unlock()

	status := StatusActive
	switch {
	case i.cfg.Ephemeral():
		status = StatusEphemeral
	case i.idleNotified:
		status = StatusIdle
	}
	return &Stats{
		Status:              status,
		RequestCount:        i.requestCount,
		ErrorCount:          i.errorCount,
		TotalResponseTimeMs: i.totalResponseTimeMs,
		AvgResponseTimeMs:   avg(i.totalResponseTimeMs, i.requestCount),
		CreatedAt:           i.createdAt,
		LastUsedAt:          i.lastUsedAt,
	}
}

// RequestCount returns the number of requests dispatched to this worker.
func (i *Instance) RequestCount() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.requestCount
}

// IdleFor returns how long the worker has gone without a request.
func (i *Instance) IdleFor() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastUsedAt)
}

// Ephemeral reports whether this instance runs in one-shot mode.
func (i *Instance) Ephemeral() bool { return i.cfg.Ephemeral() }

// CriticalError returns the failure that marked this worker unusable, or
// nil.
func (i *Instance) CriticalError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.criticalErr
}

func (i *Instance) criticalError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.criticalErr == nil {
		return errors.ErrCriticalWorker
	}
	return i.criticalErr
}

func (i *Instance) noteSuccess(elapsedMs int64) {
	i.mu.Lock()
	i.totalResponseTimeMs += elapsedMs
	i.lastUsedAt = time.Now()
	i.mu.Unlock()
}

func (i *Instance) noteError() {
	i.mu.Lock()
	i.errorCount++
	i.mu.Unlock()
}

func (i *Instance) maybeSelfTerminate() {
	if !i.cfg.Ephemeral() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.terminateDelay+time.Second)
		defer cancel()
		_ = i.Terminate(ctx)
	}()
}

// fail marks the worker critically broken and releases every waiter at
// once. Only the first failure wins.
func (i *Instance) fail(cause error) {
	i.mu.Lock()
	if i.critical {
		i.mu.Unlock()
		return
	}
	i.critical = true
	i.criticalErr = cause
	i.mu.Unlock()

	close(i.criticalCh)

	i.log.Warnw("worker failed",
		logger.FieldWorkerID, i.ID,
		logger.FieldAppKey, i.Key,
		logger.FieldError, cause,
	)
}

func (i *Instance) signalReady() {
	i.readyOnce.Do(func() {
		close(i.readyCh)
		i.log.Debugw("worker ready",
			logger.FieldWorkerID, i.ID,
			logger.FieldAppKey, i.Key,
		)
	})
}

// writeMessage serializes one protocol message to the worker's stdin.
func (i *Instance) writeMessage(msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if i.stdin == nil {
		return errors.Wrapf(errors.ErrWorkerTerminated, "worker %s stdin closed", i.Key)
	}
	_, err = i.stdin.Write(data)
	return err
}

// readLoop is the per-instance dispatcher: it reads the worker's stdout
// line by line and routes messages by reqId to pending waiters. Malformed
// lines are logged and skipped. EOF with no prior Terminate means the
// process died underneath us.
func (i *Instance) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxMessageBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			i.log.Debugw("unparseable worker message",
				logger.FieldWorkerID, i.ID,
				logger.FieldError, err,
				logger.FieldSize, len(line),
			)
			continue
		}

		switch msg.Type {
		case MessageReady:
			i.signalReady()

		case MessageResponse, MessageError:
			if msg.ReqID == "" {
				if msg.Type == MessageError {
					i.fail(errors.Newf("worker reported: %s", msg.Error))
					continue
				}
				i.log.Debugw("response without request id dropped",
					logger.FieldWorkerID, i.ID,
				)
				continue
			}
			i.dispatch(msg)

		default:
			i.log.Debugw("unexpected worker message type",
				logger.FieldWorkerID, i.ID,
				"type", string(msg.Type),
			)
		}
	}

	i.mu.Lock()
	wasTerminated := i.terminated
	i.mu.Unlock()
	if !wasTerminated {
		i.fail(errors.New("worker process exited unexpectedly"))
	}
}

func (i *Instance) dispatch(msg *Message) {
	i.mu.Lock()
	ch, ok := i.pending[msg.ReqID]
	i.mu.Unlock()
	if !ok {
		// Waiter already gone (timeout or cancellation won the race).
		i.log.Debugw("late worker response dropped",
			logger.FieldWorkerID, i.ID,
			logger.FieldRequestID, msg.ReqID,
		)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// stderrLoop drains the worker's log stream so the process never blocks
// on a full pipe.
func (i *Instance) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64<<10), maxMessageBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		i.log.Debugw("worker output",
			logger.FieldWorkerID, i.ID,
			logger.FieldAppKey, i.Key,
			"message", line,
		)
	}
}
