package csm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const (
	logMagic      = 0x43534D51 // "CSMQ"
	logVersion    = 1
	logHeaderSize = 16 // magic(4) + version(4) + readOffset(8)

	frameMagic      = 0x51464D00 // "QFM\0"
	frameHeaderSize = 16         // magic(4) + length(4) + crc(4) + flags(4)

	flagCompressed = 0x01

	// compactMinBytes is the consumed prefix below which the log is never rewritten
	compactMinBytes = 32 * 1024
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// queueLog is the append-only file behind the sending queue. The file starts
// with a header holding the offset of the oldest live frame; frames are
// appended at the end and consumed by advancing that offset. The consumed
// prefix is reclaimed by truncation when the log drains, or by rewriting the
// live frames into a new file that is renamed over the old one.
type queueLog struct {
	path        string
	f           *os.File
	readOffset  int64
	writeOffset int64
}

// openQueueLog opens or creates the log and returns the payloads of all
// live frames, oldest first. A torn frame at the tail is truncated away;
// any other damage is reported as ErrCorrupted.
func openQueueLog(path string) (*queueLog, [][]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue file: %w", err)
	}

	l := &queueLog{path: path, f: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat queue file: %w", err)
	}

	if info.Size() == 0 {
		if err := l.initEmpty(); err != nil {
			f.Close()
			return nil, nil, err
		}
		return l, nil, nil
	}

	payloads, err := l.replay(info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return l, payloads, nil
}

func (l *queueLog) initEmpty() error {
	l.readOffset = logHeaderSize
	l.writeOffset = logHeaderSize
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate queue file: %w", err)
	}
	return l.writeHeader()
}

func (l *queueLog) replay(size int64) ([][]byte, error) {
	header := make([]byte, logHeaderSize)
	if _, err := l.f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("%w: short queue header", ErrCorrupted)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != logMagic {
		return nil, fmt.Errorf("%w: bad queue magic", ErrCorrupted)
	}
	if binary.LittleEndian.Uint32(header[4:8]) != logVersion {
		return nil, fmt.Errorf("%w: unsupported queue version", ErrCorrupted)
	}

	readOffset := int64(binary.LittleEndian.Uint64(header[8:16]))
	if readOffset < logHeaderSize || readOffset > size {
		return nil, fmt.Errorf("%w: read offset %d out of range", ErrCorrupted, readOffset)
	}

	var payloads [][]byte
	offset := readOffset
	for offset < size {
		payload, n, err := readFrame(l.f, offset, size)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Crash during append: drop the partial frame
			if err := l.f.Truncate(offset); err != nil {
				return nil, fmt.Errorf("failed to truncate torn frame: %w", err)
			}
			break
		}
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
		offset += n
	}

	l.readOffset = readOffset
	l.writeOffset = offset
	return payloads, nil
}

// readFrame reads the frame at offset. It returns io.ErrUnexpectedEOF when
// the frame extends past size.
func readFrame(r io.ReaderAt, offset, size int64) ([]byte, int64, error) {
	if size-offset < frameHeaderSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	header := make([]byte, frameHeaderSize)
	if _, err := r.ReadAt(header, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to read frame header: %w", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != frameMagic {
		return nil, 0, fmt.Errorf("%w: bad frame magic at offset %d", ErrCorrupted, offset)
	}

	length := int64(binary.LittleEndian.Uint32(header[4:8]))
	if size-offset-frameHeaderSize < length {
		return nil, 0, io.ErrUnexpectedEOF
	}

	data := make([]byte, length)
	if _, err := r.ReadAt(data, offset+frameHeaderSize); err != nil {
		return nil, 0, fmt.Errorf("failed to read frame data: %w", err)
	}
	if crc32.Checksum(data, crcTable) != binary.LittleEndian.Uint32(header[8:12]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupted, offset)
	}
	if binary.LittleEndian.Uint32(header[12:16])&flagCompressed == 0 {
		return nil, 0, fmt.Errorf("%w: unknown frame encoding at offset %d", ErrCorrupted, offset)
	}

	return data, frameHeaderSize + length, nil
}

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], frameMagic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[8:12], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(frame[12:16], flagCompressed)
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// frameSize is the on-disk footprint of a payload
func frameSize(payload []byte) int64 {
	return int64(frameHeaderSize + len(payload))
}

// append writes a frame at the tail and syncs it
func (l *queueLog) append(payload []byte) error {
	frame := encodeFrame(payload)
	if _, err := l.f.WriteAt(frame, l.writeOffset); err != nil {
		l.f.Truncate(l.writeOffset)
		return fmt.Errorf("failed to append frame: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.f.Truncate(l.writeOffset)
		return fmt.Errorf("failed to sync queue file: %w", err)
	}
	l.writeOffset += int64(len(frame))
	return nil
}

// consume marks n bytes at the head as consumed. live holds the payloads
// still queued and is used when the log is compacted.
func (l *queueLog) consume(n int64, live [][]byte) error {
	l.readOffset += n
	if l.readOffset > l.writeOffset {
		l.readOffset = l.writeOffset
	}

	if l.readOffset == l.writeOffset {
		return l.initEmpty()
	}

	consumed := l.readOffset - logHeaderSize
	if consumed >= compactMinBytes && consumed >= l.writeOffset-l.readOffset {
		return l.rewrite(live)
	}
	return l.writeHeader()
}

func (l *queueLog) writeHeader() error {
	header := make([]byte, logHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], logMagic)
	binary.LittleEndian.PutUint32(header[4:8], logVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(l.readOffset))
	if _, err := l.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to write queue header: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync queue header: %w", err)
	}
	return nil
}

// rewrite replaces the log with one holding only the given payloads
func (l *queueLog) rewrite(live [][]byte) error {
	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compacted queue file: %w", err)
	}

	buf := make([]byte, 0, logHeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, logMagic)
	buf = binary.LittleEndian.AppendUint32(buf, logVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(logHeaderSize))
	for _, payload := range live {
		buf = append(buf, encodeFrame(payload)...)
	}
	if _, err := tmp.WriteAt(buf, 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write compacted queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync compacted queue file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace queue file: %w", err)
	}

	l.f.Close()
	l.f = tmp
	l.readOffset = logHeaderSize
	l.writeOffset = int64(len(buf))
	return nil
}

// size returns the current file size
func (l *queueLog) size() int64 {
	return l.writeOffset
}

func (l *queueLog) close() error {
	return l.f.Close()
}
