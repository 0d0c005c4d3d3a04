package hostsim

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/topic"
	"github.com/gurungabit/iast/wire"
)

// hostSession is one shell on a pty. A single loop goroutine serializes
// everything that touches session state; the pty output pump and the
// task runner publish to the broker directly.
type hostSession struct {
	id   string
	host *Host
	log  pslog.Logger

	outputTopic string
	indexTopic  string

	events chan *wire.Envelope
	done   chan struct{}
	once   sync.Once

	cmd     *exec.Cmd
	ptyFile *os.File

	cols int
	rows int

	// taskMu guards task: the loop starts runs, destroy aborts them from
	// the pty pump goroutine.
	taskMu sync.Mutex
	task   *taskRun
}

func newHostSession(h *Host, id string, meta *wire.SessionCreateMeta) (*hostSession, error) {
	outputTopic, err := topic.For(topic.SessionOutput, id)
	if err != nil {
		return nil, err
	}
	indexTopic, err := topic.For(topic.SessionIndex, id)
	if err != nil {
		return nil, err
	}

	cols, rows, term := 80, 24, "xterm-256color"
	if meta != nil {
		if meta.Cols > 0 {
			cols = meta.Cols
		}
		if meta.Rows > 0 {
			rows = meta.Rows
		}
		if meta.Term != "" {
			term = meta.Term
		}
	}

	cmd := exec.Command(h.shell)
	cmd.Env = append(os.Environ(), "TERM="+term)
	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	_ = pty.Setsize(ptyFile, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})

	s := &hostSession{
		id:          id,
		host:        h,
		log:         h.log.With("session", id),
		outputTopic: outputTopic,
		indexTopic:  indexTopic,
		events:      make(chan *wire.Envelope, 256),
		done:        make(chan struct{}),
		cmd:         cmd,
		ptyFile:     ptyFile,
		cols:        cols,
		rows:        rows,
	}

	// Reap the shell when it exits; the pty pump notices the EOF.
	go func() { _ = cmd.Wait() }()

	s.log.Info("session started", "shell", h.shell, "cols", cols, "rows", rows)
	s.announce()
	go s.loop()
	go s.pumpOutput()
	return s, nil
}

// deliver hands one envelope to the session loop without blocking the
// broker handler.
func (s *hostSession) deliver(env *wire.Envelope) {
	select {
	case s.events <- env:
	case <-s.done:
	default:
		s.log.Warn("dropping envelope, session queue full", "type", string(env.Type))
	}
}

func (s *hostSession) loop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.events:
			s.handle(env)
		}
	}
}

func (s *hostSession) handle(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeData:
		data, err := env.DecodedPayload()
		if err != nil {
			s.log.Warn("dropping undecodable data payload", "err", err)
			return
		}
		if _, err := s.ptyFile.Write(data); err != nil {
			s.log.Warn("pty write failed", "err", err)
			s.publishOutput(wire.NewError(s.id, "EIO", "input could not be written to the host"))
		}
	case wire.TypeResize:
		if meta, ok := env.Meta.(*wire.ResizeMeta); ok {
			s.resize(meta.Cols, meta.Rows)
		}
	case wire.TypeSessionCreate:
		// A reconnecting client re-announces; confirm with the current
		// geometry instead of spawning a second shell.
		s.announce()
	case wire.TypeSessionDestroy:
		s.destroy("requested")
	case wire.TypePong:
		// Heartbeat replies need no action.
	case wire.TypeTaskRun:
		s.startTask(env)
	case wire.TypeTaskPause, wire.TypeTaskResume, wire.TypeTaskCancel:
		s.controlTask(env)
	default:
		s.log.Debug("ignoring envelope", "type", string(env.Type))
	}
}

func (s *hostSession) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.cols, s.rows = cols, rows
	if err := pty.Setsize(s.ptyFile, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		s.log.Warn("resize failed", "err", err)
	}
}

// announce publishes session.created on the output topic for the client
// and on the index topic for bookkeeping.
func (s *hostSession) announce() {
	meta := &wire.SessionCreatedMeta{
		Shell: filepath.Base(s.host.shell),
		Cols:  s.cols,
		Rows:  s.rows,
	}
	s.publishOutput(wire.NewSessionCreated(s.id, meta))
	s.host.publishIndexRecord(wire.NewSessionCreated(s.id, meta))
}

func (s *hostSession) currentTask() *taskRun {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.task
}

func (s *hostSession) startTask(env *wire.Envelope) {
	meta, ok := env.Meta.(*wire.TaskRunMeta)
	if !ok {
		return
	}
	if t := s.currentTask(); t != nil && !t.finished() {
		s.failTask(meta.ExecutionID, "another execution is active")
		return
	}
	if meta.Credentials != "" {
		if s.host.sealer == nil {
			s.failTask(meta.ExecutionID, "credential unsealing failed: no master secret configured")
			return
		}
		secret, err := s.host.sealer.Open(meta.Credentials)
		if err != nil {
			s.failTask(meta.ExecutionID, "credential unsealing failed")
			return
		}
		s.log.Info("credentials unsealed", "bytes", len(secret))
	}
	t := newTaskRun(s.id, meta, s.host.tick, s.publishOutput, s.host.reporter, s.log)
	s.taskMu.Lock()
	s.task = t
	s.taskMu.Unlock()
	go t.run()
}

func (s *hostSession) failTask(executionID, reason string) {
	s.publishOutput(wire.NewTaskStatus(s.id, &wire.TaskStatusMeta{
		ExecutionID: executionID,
		Status:      wire.ExecFailed,
		Error:       reason,
	}))
}

func (s *hostSession) controlTask(env *wire.Envelope) {
	meta, ok := env.Meta.(*wire.TaskControlMeta)
	if !ok {
		return
	}
	t := s.currentTask()
	if t == nil || t.finished() || t.executionID != meta.ExecutionID {
		s.log.Debug("ignoring task command without matching run", "type", string(env.Type))
		return
	}
	t.deliver(env)
}

// pumpOutput forwards everything the shell writes as base64 data
// envelopes. The pty read failing is how the session learns its shell
// exited.
func (s *hostSession) pumpOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptyFile.Read(buf)
		if n > 0 {
			s.publishOutput(wire.NewDataBytes(s.id, buf[:n]))
		}
		if err != nil {
			s.destroy("exited")
			return
		}
	}
}

func (s *hostSession) publishOutput(env *wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		s.log.Warn("encode failed", "type", string(env.Type), "err", err)
		return
	}
	if err := s.host.broker.Publish(context.Background(), s.outputTopic, data); err != nil {
		s.log.Warn("output publish failed", "err", err)
	}
}

// destroy ends the session exactly once. The first reason wins: a
// requested destroy that kills the shell does not get relabeled by the
// pty pump's EOF.
func (s *hostSession) destroy(reason string) {
	s.once.Do(func() {
		if t := s.currentTask(); t != nil && !t.finished() {
			t.abort()
		}
		close(s.done)
		if s.cmd != nil && s.cmd.Process != nil {
			// Interrupt first so the shell can clean up.
			_ = s.cmd.Process.Signal(os.Interrupt)
			go func(cmd *exec.Cmd) {
				time.Sleep(500 * time.Millisecond)
				_ = cmd.Process.Kill()
			}(s.cmd)
		}
		if s.ptyFile != nil {
			_ = s.ptyFile.Close()
		}
		s.host.publishIndexRecord(wire.NewSessionDestroyed(s.id, reason))
		s.host.dropSession(s.id)
		s.log.Info("session ended", "reason", reason)
	})
}
