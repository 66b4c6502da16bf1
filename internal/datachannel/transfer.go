package datachannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
)

const (
	maxEarlyChunks  = 256
	maxEarlyPerFile = 128
	earlyTTL        = 30 * time.Second
	finishedTTL     = 2 * time.Minute
	maxFileSize     = 4 << 30
)

// FileInfo describes an announced file.
type FileInfo struct {
	ID        string
	Name      string
	Size      int64
	ChunkSize int
}

// Sink stores received files.
type Sink interface {
	Create(ctx context.Context, info FileInfo) (FileWriter, error)
}

// FileWriter receives one file's bytes. Commit makes the file visible;
// Abort discards it.
type FileWriter interface {
	io.Writer
	Commit(ctx context.Context) error
	Abort() error
}

type Direction int

const (
	Sending Direction = iota
	Receiving
)

type TransferState int

const (
	TransferProgress TransferState = iota
	TransferComplete
	TransferAbortedState
)

// TransferEvent reports progress for either direction.
type TransferEvent struct {
	Info      FileInfo
	Direction Direction
	State     TransferState
	Received  int64 // bytes sent or received so far
	Err       error
}

// Progress is the completed fraction in [0, 1].
func (e TransferEvent) Progress() float64 {
	if e.Info.Size == 0 {
		if e.State == TransferComplete {
			return 1
		}
		return 0
	}
	return float64(e.Received) / float64(e.Info.Size)
}

type outgoingTransfer struct {
	info FileInfo
	once sync.Once
	done chan error
}

func (t *outgoingTransfer) finish(err error) {
	t.once.Do(func() {
		t.done <- err
		close(t.done)
	})
}

// earlyFile holds chunks that arrived before their announce.
type earlyFile struct {
	frames []chunkFrame
	since  time.Time
}

type incomingTransfer struct {
	info   FileInfo
	writer FileWriter

	mu       sync.Mutex // serializes early-chunk replay with live chunks
	nextSeq  uint32
	received int64
	finished bool
}

func (m *Manager) emit(ev TransferEvent) {
	if m.handlers.OnTransfer != nil {
		m.handlers.OnTransfer(ev)
	}
}

// SendFile announces and streams a file, then waits for the receiver's
// acknowledgement. It blocks until the transfer completes or is aborted.
func (m *Manager) SendFile(ctx context.Context, name string, size int64, r io.Reader) (string, error) {
	if size < 0 || size > maxFileSize {
		return "", fmt.Errorf("invalid file size %d", size)
	}
	control, err := m.channel(LabelControl)
	if err != nil {
		return "", err
	}
	file, err := m.channel(LabelFile)
	if err != nil {
		return "", err
	}

	info := FileInfo{ID: uuid.NewString(), Name: filepath.Base(name), Size: size, ChunkSize: m.cfg.ChunkSize}
	t := &outgoingTransfer{info: info, done: make(chan error, 1)}
	m.mu.Lock()
	m.outgoing[info.ID] = t
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.outgoing, info.ID)
		m.mu.Unlock()
	}()

	log := m.logger.With(zap.String("file_id", info.ID), zap.String("name", info.Name), zap.Int64("size", size))
	if err := m.sendControl(control, ControlMessage{
		Type: ControlFileAnnounce, FileID: info.ID, Name: info.Name, Size: size, ChunkSize: info.ChunkSize,
	}); err != nil {
		return info.ID, err
	}
	log.Info("sending file")
	m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferProgress})

	abort := func(reason string) error {
		_ = m.sendControl(control, ControlMessage{Type: ControlFileAbort, FileID: info.ID, Reason: reason})
		err := callerr.Wrap("send file", callerr.ErrTransferAborted, reason)
		m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferAbortedState, Err: err})
		return err
	}

	buf := make([]byte, info.ChunkSize)
	var sent int64
	var seq uint32
	for sent < size {
		select {
		case err := <-t.done:
			if err == nil {
				err = callerr.Wrap("send file", callerr.ErrTransferAborted, "acknowledged before all data was sent")
			}
			m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferAbortedState, Received: sent, Err: err})
			return info.ID, err
		default:
		}
		n, readErr := io.ReadFull(r, buf[:min(int64(len(buf)), size-sent)])
		if n > 0 {
			data, err := msgpack.Marshal(chunkFrame{FileID: info.ID, Seq: seq, Data: buf[:n]})
			if err != nil {
				return info.ID, abort("encode chunk: " + err.Error())
			}
			if err := m.waitForWindow(ctx, file, t); err != nil {
				return info.ID, abort(err.Error())
			}
			if err := file.Send(data); err != nil {
				return info.ID, abort("send chunk: " + err.Error())
			}
			seq++
			sent += int64(n)
			m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferProgress, Received: sent})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return info.ID, abort(fmt.Sprintf("source ended after %d of %d bytes", sent, size))
			}
			return info.ID, abort("read source: " + readErr.Error())
		}
	}

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-t.done:
		if err != nil {
			m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferAbortedState, Received: sent, Err: err})
			return info.ID, err
		}
		log.Info("file delivered")
		m.emit(TransferEvent{Info: info, Direction: Sending, State: TransferComplete, Received: sent})
		return info.ID, nil
	case <-timer.C:
		return info.ID, abort("no acknowledgement from receiver")
	case <-ctx.Done():
		return info.ID, abort("cancelled")
	}
}

// waitForWindow blocks while the file channel's send buffer is above the
// high-water mark.
func (m *Manager) waitForWindow(ctx context.Context, ch Channel, t *outgoingTransfer) error {
	for ch.BufferedAmount() >= m.cfg.HighWater {
		select {
		case <-m.windowCh:
		case err := <-t.done:
			if err == nil {
				err = errors.New("transfer finished early")
			}
			return err
		case <-time.After(m.cfg.AckTimeout):
			return errors.New("timed out waiting for buffered amount to drain")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) sendControl(ch Channel, c ControlMessage) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return ch.SendText(string(data))
}

// AbortTransfer cancels a transfer in either direction and tells the peer.
func (m *Manager) AbortTransfer(fileID, reason string) {
	m.mu.Lock()
	out := m.outgoing[fileID]
	in := m.incoming[fileID]
	m.mu.Unlock()

	if out != nil {
		m.mu.Lock()
		control := m.channels[LabelControl]
		m.mu.Unlock()
		if control != nil {
			_ = m.sendControl(control, ControlMessage{Type: ControlFileAbort, FileID: fileID, Reason: reason})
		}
		out.finish(callerr.Wrap("send file", callerr.ErrTransferAborted, reason))
	}
	if in != nil {
		in.mu.Lock()
		m.failIncomingLocked(in, reason)
		in.mu.Unlock()
	}
}

func (m *Manager) finishOutgoing(fileID string, err error) {
	m.mu.Lock()
	t := m.outgoing[fileID]
	m.mu.Unlock()
	if t != nil {
		t.finish(err)
	}
}

// remoteAbort handles file-abort from the peer for either direction.
func (m *Manager) remoteAbort(fileID, reason string) {
	m.finishOutgoing(fileID, callerr.Wrap("send file", callerr.ErrTransferAborted, "peer aborted: "+reason))

	m.mu.Lock()
	in := m.incoming[fileID]
	delete(m.incoming, fileID)
	m.finishFileLocked(fileID)
	m.mu.Unlock()
	if in != nil {
		in.mu.Lock()
		m.abortIncomingLocked(in, callerr.Wrap("receive file", callerr.ErrTransferAborted, "peer aborted: "+reason))
		in.mu.Unlock()
	}
}

// failIncomingLocked aborts a receive and tells the peer. t.mu must be held.
func (m *Manager) failIncomingLocked(t *incomingTransfer, reason string) {
	m.mu.Lock()
	delete(m.incoming, t.info.ID)
	m.finishFileLocked(t.info.ID)
	control := m.channels[LabelControl]
	m.mu.Unlock()
	if control != nil {
		_ = m.sendControl(control, ControlMessage{Type: ControlFileAbort, FileID: t.info.ID, Reason: reason})
	}
	m.abortIncomingLocked(t, callerr.Wrap("receive file", callerr.ErrTransferAborted, reason))
}

func (m *Manager) abortIncomingLocked(t *incomingTransfer, err error) {
	if t.finished {
		return
	}
	t.finished = true
	if abortErr := t.writer.Abort(); abortErr != nil {
		m.logger.Warn("discarding partial file failed", zap.String("file_id", t.info.ID), zap.Error(abortErr))
	}
	m.logger.Warn("receive aborted", zap.String("file_id", t.info.ID), zap.Error(err))
	m.emit(TransferEvent{Info: t.info, Direction: Receiving, State: TransferAbortedState, Received: t.received, Err: err})
}

func (m *Manager) handleAnnounce(c ControlMessage) {
	info := FileInfo{ID: c.FileID, Name: filepath.Base(c.Name), Size: c.Size, ChunkSize: c.ChunkSize}
	log := m.logger.With(zap.String("file_id", info.ID), zap.String("name", info.Name), zap.Int64("size", info.Size))

	reject := func(reason string) {
		log.Warn("refusing incoming file", zap.String("reason", reason))
		m.mu.Lock()
		control := m.channels[LabelControl]
		m.finishFileLocked(info.ID)
		m.mu.Unlock()
		if control != nil {
			_ = m.sendControl(control, ControlMessage{Type: ControlFileAbort, FileID: info.ID, Reason: reason})
		}
		m.emit(TransferEvent{Info: info, Direction: Receiving, State: TransferAbortedState,
			Err: callerr.Wrap("receive file", callerr.ErrTransferAborted, reason)})
	}

	switch {
	case info.ID == "":
		log.Warn("announce without file id")
		return
	case info.Size < 0 || info.Size > maxFileSize:
		reject("invalid size")
		return
	case info.ChunkSize <= 0:
		reject("invalid chunk size")
		return
	case info.Name == "." || info.Name == string(filepath.Separator):
		reject("invalid name")
		return
	case m.sink == nil:
		reject("receiving files is disabled")
		return
	case m.seen(info.ID):
		reject("duplicate file id")
		return
	}

	w, err := m.sink.Create(context.Background(), info)
	if err != nil {
		reject("cannot store file: " + err.Error())
		return
	}
	t := &incomingTransfer{info: info, writer: w}
	log.Info("receiving file")

	t.mu.Lock()
	defer t.mu.Unlock()
	if info.Size == 0 {
		m.completeLocked(t)
		return
	}

	m.mu.Lock()
	m.incoming[info.ID] = t
	early := m.takeEarlyLocked(info.ID)
	m.mu.Unlock()

	m.emit(TransferEvent{Info: info, Direction: Receiving, State: TransferProgress})
	for _, f := range early {
		m.applyLocked(t, f)
	}
}

func (m *Manager) handleFrame(data []byte) {
	var f chunkFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		m.logger.Warn("dropping undecodable file frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	t, known := m.incoming[f.FileID]
	if !known {
		if _, done := m.finished[f.FileID]; done {
			m.mu.Unlock()
			m.logger.Debug("dropping chunk for finished file", zap.String("file_id", f.FileID))
			return
		}
		// The announce travels on another channel and may arrive later.
		buffered := m.bufferEarlyLocked(f)
		m.mu.Unlock()
		if !buffered {
			m.logger.Warn("dropping chunk for unannounced file", zap.String("file_id", f.FileID))
		}
		return
	}
	m.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	m.applyLocked(t, f)
}

func (m *Manager) applyLocked(t *incomingTransfer, f chunkFrame) {
	if t.finished {
		return
	}
	switch {
	case f.Seq != t.nextSeq:
		m.failIncomingLocked(t, fmt.Sprintf("chunk %d out of order, expected %d", f.Seq, t.nextSeq))
		return
	case t.received+int64(len(f.Data)) > t.info.Size:
		m.failIncomingLocked(t, "more data than announced")
		return
	}
	if _, err := t.writer.Write(f.Data); err != nil {
		m.failIncomingLocked(t, "write failed: "+err.Error())
		return
	}
	t.nextSeq++
	t.received += int64(len(f.Data))

	if t.received == t.info.Size {
		m.mu.Lock()
		delete(m.incoming, f.FileID)
		m.finishFileLocked(f.FileID)
		m.mu.Unlock()
		m.completeLocked(t)
		return
	}
	m.emit(TransferEvent{Info: t.info, Direction: Receiving, State: TransferProgress, Received: t.received})
}

// completeLocked commits the file and acknowledges it. t.mu must be held.
func (m *Manager) completeLocked(t *incomingTransfer) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AckTimeout)
	defer cancel()
	if err := t.writer.Commit(ctx); err != nil {
		m.failIncomingLocked(t, "commit failed: "+err.Error())
		return
	}
	t.finished = true

	m.mu.Lock()
	m.finishFileLocked(t.info.ID)
	control := m.channels[LabelControl]
	m.mu.Unlock()
	if control != nil {
		if err := m.sendControl(control, ControlMessage{Type: ControlFileAck, FileID: t.info.ID, Received: t.received}); err != nil {
			m.logger.Warn("ack failed", zap.String("file_id", t.info.ID), zap.Error(err))
		}
	}
	m.logger.Info("file received", zap.String("file_id", t.info.ID), zap.Int64("bytes", t.received))
	m.emit(TransferEvent{Info: t.info, Direction: Receiving, State: TransferComplete, Received: t.received})
}

// bufferEarlyLocked queues a chunk for a file whose announce has not arrived.
// It reports false when the chunk was dropped. m.mu must be held.
func (m *Manager) bufferEarlyLocked(f chunkFrame) bool {
	e := m.early[f.FileID]
	if e == nil {
		now := m.now()
		m.expireEarlyLocked(now)
		if m.earlyLen >= maxEarlyChunks {
			return false
		}
		e = &earlyFile{since: now}
		m.early[f.FileID] = e
	}
	if len(e.frames) >= maxEarlyPerFile || m.earlyLen >= maxEarlyChunks {
		return false
	}
	e.frames = append(e.frames, f)
	m.earlyLen++
	return true
}

// expireEarlyLocked drops buffers whose announce never came. m.mu must be held.
func (m *Manager) expireEarlyLocked(now time.Time) {
	for id, e := range m.early {
		if now.Sub(e.since) > earlyTTL {
			m.logger.Debug("discarding chunks for file never announced",
				zap.String("file_id", id), zap.Int("chunks", len(e.frames)))
			m.takeEarlyLocked(id)
		}
	}
}

// takeEarlyLocked removes and returns the buffered chunks for id. m.mu must
// be held.
func (m *Manager) takeEarlyLocked(id string) []chunkFrame {
	e := m.early[id]
	if e == nil {
		return nil
	}
	delete(m.early, id)
	m.earlyLen -= len(e.frames)
	return e.frames
}

// finishFileLocked records id as done so chunks still in flight for it are
// dropped instead of buffered. m.mu must be held.
func (m *Manager) finishFileLocked(id string) {
	now := m.now()
	m.takeEarlyLocked(id)
	for old, at := range m.finished {
		if now.Sub(at) > finishedTTL {
			delete(m.finished, old)
		}
	}
	m.finished[id] = now
}

func (m *Manager) seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, done := m.finished[id]
	_, active := m.incoming[id]
	return done || active
}
