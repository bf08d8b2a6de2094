// Package paddle runs PaddleOCR in a long-lived Python worker process and
// exposes it as a recognition engine.
package paddle

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/example/ocr-api/internal/engine"
	"github.com/example/ocr-api/internal/imagedecode"
)

const (
	engineName = "paddle"

	defaultStartupTimeout = 2 * time.Minute
	defaultRestartDelay   = time.Second
	maxRestartDelay       = 30 * time.Second
)

//go:embed worker.py
var workerScript string

var (
	// ErrWorkerExited is returned once the worker process has gone away or
	// while a replacement is starting.
	ErrWorkerExited = errors.New("paddle worker exited")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("paddle engine closed")
)

// Config describes how to launch the worker.
type Config struct {
	// Python is the interpreter used to run the embedded worker script.
	Python string
	// Command replaces the interpreter invocation entirely. The lang and
	// angle classification flags are still appended.
	Command []string
	// Env is appended to the current environment.
	Env []string

	Lang           string
	UseAngleCls    bool
	StartupTimeout time.Duration
	// RestartDelay is the wait before replacing a dead worker. It doubles
	// after every failed start.
	RestartDelay time.Duration
}

func (c Config) args() []string {
	var argv []string
	if len(c.Command) > 0 {
		argv = append(argv, c.Command...)
	} else {
		python := c.Python
		if python == "" {
			python = "python3"
		}
		argv = append(argv, python, "-u", "-c", workerScript)
	}
	lang := c.Lang
	if lang == "" {
		lang = "en"
	}
	argv = append(argv, "--lang", lang)
	if c.UseAngleCls {
		argv = append(argv, "--use-angle-cls")
	}
	return argv
}

func (c Config) startupTimeout() time.Duration {
	if c.StartupTimeout <= 0 {
		return defaultStartupTimeout
	}
	return c.StartupTimeout
}

// Engine owns one worker process at a time. The worker handles a single
// request at a time, so calls are serialized. A worker that dies or stops
// answering is killed and replaced in the background.
type Engine struct {
	sem    chan struct{}
	cfg    Config
	schema *jsonschema.Schema
	logger *zap.Logger
	done   chan struct{}
	seq    uint64

	mu        sync.Mutex
	w         *worker
	closed    bool
	closeOnce sync.Once
}

type reply struct {
	ID     string
	Ready  bool
	Error  string
	Result any
	hasErr bool
}

type message struct {
	reply *reply
	err   error
}

// worker is one running Python process. messages is closed when its stdout
// reaches EOF.
type worker struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pipe     io.Closer
	messages chan message
	exited   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	waitErr  error
	logger   *zap.Logger
}

// Start launches the worker and waits until it reports that the model is
// loaded.
func Start(ctx context.Context, cfg Config, logger *zap.Logger) (*Engine, error) {
	schema, err := compileReplySchema()
	if err != nil {
		return nil, err
	}
	logger = logger.Named("paddle_engine")

	ctx, cancel := context.WithTimeout(ctx, cfg.startupTimeout())
	defer cancel()
	w, err := startWorker(ctx, cfg, schema, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		sem:    make(chan struct{}, 1),
		cfg:    cfg,
		schema: schema,
		logger: logger,
		done:   make(chan struct{}),
		w:      w,
	}, nil
}

func startWorker(ctx context.Context, cfg Config, schema *jsonschema.Schema, logger *zap.Logger) (*worker, error) {
	argv := cfg.args()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout is wired through our own pipe so that cmd.Wait does not close
	// the read side while a reply is being read; reads see io.EOF instead.
	stdout, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutWriter
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdoutWriter.Close()
		return nil, fmt.Errorf("start paddle worker: %w", err)
	}
	stdoutWriter.Close()

	w := &worker{
		cmd:      cmd,
		stdin:    stdin,
		pipe:     stdout,
		messages: make(chan message),
		exited:   make(chan struct{}),
		stop:     make(chan struct{}),
		logger:   logger,
	}
	go w.forwardStderr(stderr)
	go func() {
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()
	go w.readLoop(bufio.NewReaderSize(stdout, 1<<20), schema)

	if err := w.awaitReady(ctx); err != nil {
		w.kill()
		return nil, fmt.Errorf("paddle worker did not start: %w", err)
	}
	logger.Info("paddle worker ready", zap.Int("pid", cmd.Process.Pid), zap.String("lang", cfg.Lang), zap.Bool("use_angle_cls", cfg.UseAngleCls))
	return w, nil
}

func (w *worker) awaitReady(ctx context.Context) error {
	for {
		select {
		case m, ok := <-w.messages:
			if !ok {
				return ErrWorkerExited
			}
			if m.err != nil {
				return m.err
			}
			if m.reply.Ready {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop turns stdout lines into messages until EOF or until the worker is
// stopped. Lines that do not look like JSON objects are library chatter and
// are skipped; an object that does not parse or validate is reported.
func (w *worker) readLoop(r *bufio.Reader, schema *jsonschema.Schema) {
	defer close(w.messages)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				w.send(message{err: fmt.Errorf("read reply: %w", err)})
			}
			return
		}
		if m, ok := parseLine(line, schema); ok {
			if !w.send(m) {
				return
			}
		} else {
			w.logger.Debug("ignoring worker output", zap.ByteString("line", line))
		}
	}
}

func (w *worker) send(m message) bool {
	select {
	case w.messages <- m:
		return true
	case <-w.stop:
		return false
	}
}

func parseLine(line []byte, schema *jsonschema.Schema) (message, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return message{}, false
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return message{err: fmt.Errorf("invalid worker reply: %w", err)}, true
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		return message{}, false
	}
	if err := schema.Validate(doc); err != nil {
		return message{err: fmt.Errorf("invalid worker reply: %w", err)}, true
	}

	r := &reply{Result: fields["result"]}
	r.ID, _ = fields["id"].(string)
	r.Ready, _ = fields["ready"].(bool)
	r.Error, r.hasErr = fields["error"].(string)
	return message{reply: r}, true
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return engineName }

// Healthy reports whether a live worker is available.
func (e *Engine) Healthy() error {
	w, err := e.current()
	if err != nil {
		return err
	}
	select {
	case <-w.exited:
		return ErrWorkerExited
	default:
		return nil
	}
}

// Recognize sends the image to the worker and waits for its reply. A caller
// whose context ends while waiting for its turn gives up without sending; a
// caller whose context ends while waiting for the reply takes the worker
// down with it, since its reply can no longer be matched reliably.
func (e *Engine) Recognize(ctx context.Context, img *imagedecode.PixelBuffer, opts engine.Options) (engine.Result, error) {
	data, err := img.EncodePNG()
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
	defer func() { <-e.sem }()

	w, err := e.current()
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}
	select {
	case <-w.exited:
		e.retire(w, "worker exited")
		return engine.Result{}, &engine.Error{Engine: engineName, Err: ErrWorkerExited}
	default:
	}

	e.seq++
	id := strconv.FormatUint(e.seq, 10)
	request, err := json.Marshal(map[string]any{
		"id":    id,
		"image": base64.StdEncoding.EncodeToString(data),
		"cls":   opts.AngleClassification,
	})
	if err != nil {
		return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
	}
	// a worker that stops reading stdin would block the write once the pipe
	// buffer fills
	written := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(append(request, '\n'))
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			e.retire(w, "write failed")
			return engine.Result{}, &engine.Error{Engine: engineName, Err: fmt.Errorf("%w: send request: %v", ErrWorkerExited, err)}
		}
	case <-ctx.Done():
		e.retire(w, "request abandoned")
		return engine.Result{}, ctx.Err()
	}

	for {
		select {
		case m, ok := <-w.messages:
			if !ok {
				e.retire(w, "worker exited")
				return engine.Result{}, &engine.Error{Engine: engineName, Err: ErrWorkerExited}
			}
			if m.err != nil {
				return engine.Result{}, &engine.Error{Engine: engineName, Err: m.err}
			}
			if m.reply.ID != id {
				e.logger.Warn("discarding stale worker reply", zap.String("id", m.reply.ID), zap.String("expected", id))
				continue
			}
			if m.reply.hasErr {
				return engine.Result{}, &engine.Error{Engine: engineName, Err: errors.New(m.reply.Error)}
			}
			lines, err := flatten(m.reply.Result)
			if err != nil {
				return engine.Result{}, &engine.Error{Engine: engineName, Err: err}
			}
			return engine.Result{Lines: lines, Raw: m.reply.Result}, nil
		case <-ctx.Done():
			e.retire(w, "request abandoned")
			return engine.Result{}, ctx.Err()
		}
	}
}

func (e *Engine) current() (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.w == nil {
		return nil, fmt.Errorf("%w: replacement starting", ErrWorkerExited)
	}
	return e.w, nil
}

// retire kills w and schedules a replacement. It is a no-op when w has
// already been retired.
func (e *Engine) retire(w *worker, reason string) {
	e.mu.Lock()
	if e.w != w {
		e.mu.Unlock()
		return
	}
	e.w = nil
	closed := e.closed
	e.mu.Unlock()

	e.logger.Warn("retiring paddle worker", zap.String("reason", reason), zap.Int("pid", w.cmd.Process.Pid))
	w.kill()
	if !closed {
		go e.restart()
	}
}

func (e *Engine) restart() {
	delay := e.cfg.RestartDelay
	if delay <= 0 {
		delay = defaultRestartDelay
	}
	for {
		select {
		case <-e.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.startupTimeout())
		w, err := startWorker(ctx, e.cfg, e.schema, e.logger)
		cancel()
		if err != nil {
			e.logger.Error("paddle worker restart failed", zap.Error(err), zap.Duration("retry_in", delay*2))
			delay *= 2
			if delay > maxRestartDelay {
				delay = maxRestartDelay
			}
			continue
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			w.shutdown()
			return
		}
		e.w = w
		e.mu.Unlock()
		return
	}
}

// flatten walks pages in order and turns each [polygon, [text, score]]
// detection into a Line. Null pages contribute nothing.
func flatten(result any) ([]engine.Line, error) {
	pages, _ := result.([]any)
	lines := make([]engine.Line, 0)
	for _, page := range pages {
		detections, _ := page.([]any)
		for _, det := range detections {
			parts, ok := det.([]any)
			if !ok || len(parts) < 2 {
				return nil, fmt.Errorf("malformed detection %v", det)
			}
			rawPoly, _ := parts[0].([]any)
			polygon := make([]engine.Point, 0, len(rawPoly))
			for _, p := range rawPoly {
				xy, _ := p.([]any)
				if len(xy) != 2 {
					return nil, fmt.Errorf("malformed point %v", p)
				}
				x, _ := xy[0].(float64)
				y, _ := xy[1].(float64)
				polygon = append(polygon, engine.Point{X: x, Y: y})
			}
			rec, _ := parts[1].([]any)
			if len(rec) < 2 {
				return nil, fmt.Errorf("malformed recognition %v", parts[1])
			}
			text, _ := rec[0].(string)
			score, _ := rec[1].(float64)
			lines = append(lines, engine.Line{Polygon: polygon, Text: text, Confidence: score})
		}
	}
	return lines, nil
}

func (w *worker) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		w.logger.Debug("paddle worker stderr", zap.String("line", scanner.Text()))
	}
}

// Close stops the restart loop and asks the current worker to exit.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		w := e.w
		e.w = nil
		e.mu.Unlock()

		close(e.done)
		if w != nil {
			err = w.shutdown()
		}
	})
	return err
}

// shutdown closes stdin and kills the process if it does not exit within
// five seconds.
func (w *worker) shutdown() error {
	w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		w.logger.Warn("paddle worker did not exit, killing it")
	}
	w.kill()

	var exitErr *exec.ExitError
	if w.waitErr != nil && !errors.As(w.waitErr, &exitErr) {
		return w.waitErr
	}
	return nil
}

func (w *worker) kill() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		<-w.exited
		w.pipe.Close()
	})
}
