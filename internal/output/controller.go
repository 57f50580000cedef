// Package output fans simulation output messages out to the spectator
// UI, an append-only log file and an optional persistent recorder. One
// bounded queue feeds every sink; slow consumers never stall the
// simulation, the queue is discarded instead.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/playforge/arena/internal/config"
	"github.com/playforge/arena/internal/constants"
	"github.com/playforge/arena/internal/protocol"
	"github.com/playforge/arena/internal/uinet"
)

const (
	// uiSendTimeout bounds one delivery attempt to the UI client.
	uiSendTimeout = 1000 * time.Millisecond

	// recordTimeout bounds one Recorder call.
	recordTimeout = 5 * time.Second

	// handoffCap is how many flushed batches may wait for the writer.
	handoffCap = 128

	// defaultBatchSize is used when only a Recorder is configured and no
	// file buffer size applies.
	defaultBatchSize = 256
)

// Recorder persists batches of output messages.
type Recorder interface {
	Record(ctx context.Context, msgs []protocol.Message) error
}

// Controller owns the output queue and its sinks.
//
// The UI sink delivers the head of the queue once per configured
// interval, retrying the same message until it is acknowledged by a
// spectator. The batch sink hands the whole queue to a single writer
// goroutine whenever it reaches the buffer size; the writer appends
// JSON lines to the file and forwards the batch to the Recorder.
type Controller struct {
	cfg config.OutputHandler
	ui  *uinet.Server
	rec Recorder

	batching  bool
	batchSize int

	mu       sync.Mutex
	queue    []protocol.Message
	gen      uint64 // bumped whenever the queue is replaced
	shutdown bool

	handoff chan []protocol.Message
	file    *os.File

	cancelUI  context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates the output configuration and opens the output file when
// file output is enabled. The batch writer starts immediately; UI
// delivery starts with Start. Callers must Shutdown the controller to
// flush and close the file.
func New(cfg config.OutputHandler, ui *uinet.Server, rec Recorder) (*Controller, error) {
	if cfg.SendToUI {
		if ui == nil {
			return nil, fmt.Errorf("%w: sendToUI requires a UI endpoint", config.ErrConfig)
		}
		if cfg.TimeInterval <= 0 {
			return nil, fmt.Errorf("%w: outputHandler.timeInterval must be positive, got %d",
				config.ErrConfig, cfg.TimeInterval)
		}
	}

	c := &Controller{
		cfg:     cfg,
		ui:      ui,
		rec:     rec,
		handoff: make(chan []protocol.Message, handoffCap),
	}

	if cfg.SendToFile {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("%w: outputHandler.filePath must be set when sendToFile is enabled", config.ErrConfig)
		}
		if cfg.BufferSize <= 0 || cfg.BufferSize > constants.QueueDefaultSize {
			return nil, fmt.Errorf("%w: outputHandler.bufferSize must be in (0, %d], got %d",
				config.ErrConfig, constants.QueueDefaultSize, cfg.BufferSize)
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening output file: %w", err)
		}
		c.file = f
	}

	c.batching = cfg.SendToFile || rec != nil
	c.batchSize = cfg.BufferSize
	if c.batchSize <= 0 || c.batchSize > constants.QueueDefaultSize {
		c.batchSize = defaultBatchSize
	}

	if c.batching {
		c.wg.Go(c.writerLoop)
	}
	return c, nil
}

// Start launches UI delivery. The context bounds the UI sink only; the
// batch writer keeps draining until Shutdown. Subsequent calls do
// nothing.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancelUI = cancel
		if c.cfg.SendToUI {
			c.wg.Go(func() { c.uiLoop(ctx) })
		}
	})
}

// PutMessage appends one message to the output queue. At capacity the
// whole queue is discarded first so the newest output always gets in.
// After Shutdown it does nothing.
func (c *Controller) PutMessage(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}

	if len(c.queue) >= constants.QueueDefaultSize {
		slog.Warn("output queue overflow, discarding", "dropped", len(c.queue))
		c.queue = nil
		c.gen++
	}
	c.queue = append(c.queue, msg)

	if c.batching && len(c.queue) >= c.batchSize {
		batch := c.queue
		c.queue = nil
		c.gen++
		select {
		case c.handoff <- batch:
		default:
			slog.Warn("output writer falling behind, dropping batch", "count", len(batch))
		}
	}
	return nil
}

// Len reports how many messages are queued and not yet handed to a sink.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Shutdown stops all sinks, waits for handed-off batches to reach the
// file and closes it. Messages still staged in the queue are dropped.
// Safe to call more than once.
func (c *Controller) Shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		close(c.handoff)
		c.mu.Unlock()

		if c.cancelUI != nil {
			c.cancelUI()
		}
		c.wg.Wait()
	})
}

func (c *Controller) uiLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.deliverHead(ctx)
		}
	}
}

// deliverHead tries to push the oldest queued message to the UI. The
// message is only removed once the delivery succeeded, and only if the
// queue was not replaced while the send was in flight.
func (c *Controller) deliverHead(ctx context.Context) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	head := c.queue[0]
	gen := c.gen
	c.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, uiSendTimeout)
	err := c.ui.SendBlocking(sendCtx, head)
	cancel()
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.gen == gen && len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()
}

func (c *Controller) writerLoop() {
	for batch := range c.handoff {
		c.writeBatch(batch)
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			slog.Error("closing output file", "error", err)
		}
	}
}

func (c *Controller) writeBatch(batch []protocol.Message) {
	if c.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := c.rec.Record(ctx, batch); err != nil {
			slog.Error("recording output batch", "count", len(batch), "error", err)
		}
		cancel()
	}

	if c.file == nil {
		return
	}
	var buf bytes.Buffer
	for _, msg := range batch {
		line, err := json.Marshal(msg)
		if err != nil {
			slog.Error("marshaling output message", "name", msg.Name, "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := c.file.Write(buf.Bytes()); err != nil {
		slog.Error("writing output file", "error", err)
	}
}
