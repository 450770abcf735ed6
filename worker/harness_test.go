package worker

import (
	"bufio"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/buntime/errors"
)

var errSpawnRefused = errors.New("spawn refused")

// fakeProc stands in for a spawned worker process.
type fakeProc struct {
	pid  int
	done chan struct{}

	mu     sync.Mutex
	killed bool
	once   sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{pid: 4242, done: make(chan struct{})}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProc) exit() {
	p.once.Do(func() { close(p.done) })
}

// fakeWorker drives an Instance over in-memory pipes, playing the part of
// the worker process: it reads protocol messages from the supervisor and
// answers through a scripted handler.
type fakeWorker struct {
	inst *Instance
	proc *fakeProc

	stdinR  *io.PipeReader // supervisor → worker
	stdoutW *io.PipeWriter // worker → supervisor

	handler func(msg *Message) *Message

	writeMu sync.Mutex

	mu       sync.Mutex
	received []*Message
	// exitOnTerminate simulates a worker honoring TERMINATE within the
	// grace period.
	exitOnTerminate bool

	stopOnce sync.Once
}

// echoHandler answers every REQUEST with a 200.
func echoHandler(msg *Message) *Message {
	return &Message{
		Type:  MessageResponse,
		ReqID: msg.ReqID,
		Res: &ResponsePayload{
			Status:  200,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    []byte("ok"),
		},
	}
}

// silentHandler never answers.
func silentHandler(*Message) *Message { return nil }

// startFakeWorker builds an Instance whose process side is this fake. The
// caller still decides when READY is sent.
func startFakeWorker(t *testing.T, opts SpawnOptions, handler func(msg *Message) *Message) *fakeWorker {
	t.Helper()

	if opts.TerminateDelay == 0 {
		opts.TerminateDelay = 20 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	fw := &fakeWorker{
		proc:            newFakeProc(),
		stdinR:          stdinR,
		stdoutW:         stdoutW,
		handler:         handler,
		exitOnTerminate: true,
	}
	fw.inst = newInstance(opts, uuid.NewString(), fw.proc, stdinW, stdoutR, nil)

	go fw.run()
	t.Cleanup(fw.stop)
	return fw
}

func (fw *fakeWorker) run() {
	scanner := bufio.NewScanner(fw.stdinR)
	scanner.Buffer(make([]byte, 64<<10), maxMessageBytes)
	for scanner.Scan() {
		msg, err := DecodeMessage(scanner.Bytes())
		if err != nil {
			continue
		}

		fw.mu.Lock()
		fw.received = append(fw.received, msg)
		exitOnTerminate := fw.exitOnTerminate
		fw.mu.Unlock()

		switch msg.Type {
		case MessageRequest:
			if fw.handler != nil {
				if resp := fw.handler(msg); resp != nil {
					fw.send(resp)
				}
			}
		case MessageTerminate:
			if exitOnTerminate {
				fw.exitProcess()
				return
			}
		}
	}
}

func (fw *fakeWorker) setExitOnTerminate(v bool) {
	fw.mu.Lock()
	fw.exitOnTerminate = v
	fw.mu.Unlock()
}

// send writes one worker → supervisor message.
func (fw *fakeWorker) send(msg *Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		return
	}
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	_, _ = fw.stdoutW.Write(data)
}

func (fw *fakeWorker) sendReady() {
	fw.send(&Message{Type: MessageReady})
}

// sendRaw writes an arbitrary line to the supervisor, for malformed-input
// cases.
func (fw *fakeWorker) sendRaw(line string) {
	fw.writeMu.Lock()
	defer fw.writeMu.Unlock()
	_, _ = fw.stdoutW.Write([]byte(line + "\n"))
}

// exitProcess simulates the worker process dying: its stdout reaches EOF
// and its stdin rejects further writes.
func (fw *fakeWorker) exitProcess() {
	fw.stopOnce.Do(func() {
		_ = fw.stdoutW.Close()
		_ = fw.stdinR.CloseWithError(io.ErrClosedPipe)
		fw.proc.exit()
	})
}

func (fw *fakeWorker) stop() {
	fw.exitProcess()
}

// countReceived tallies supervisor → worker messages of one type.
func (fw *fakeWorker) countReceived(typ MessageType) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, m := range fw.received {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// spawnRecorder is an injectable spawn function for pool tests.
type spawnRecorder struct {
	t       *testing.T
	handler func(msg *Message) *Message

	mu       sync.Mutex
	workers  []*fakeWorker
	failNext bool
}

func newSpawnRecorder(t *testing.T) *spawnRecorder {
	return &spawnRecorder{t: t, handler: echoHandler}
}

func (s *spawnRecorder) spawn(opts SpawnOptions) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext {
		s.failNext = false
		return nil, errSpawnRefused
	}

	fw := startFakeWorker(s.t, opts, s.handler)
	fw.sendReady()
	s.workers = append(s.workers, fw)
	return fw.inst, nil
}

func (s *spawnRecorder) failOnce() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

func (s *spawnRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *spawnRecorder) worker(idx int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[idx]
}
