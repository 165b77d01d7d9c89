package graftchat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

const logFileName = "commands.log"

// commandLog is the append-only record of every command applied by a replica, in apply order.
type commandLog struct {
	fpath      string
	f          *os.File
	syncWrites bool
	closed     bool
	logger     *zap.SugaredLogger
}

type LogOptions struct {
	Dir        string
	SyncWrites bool
	Logger     *zap.Logger
}

func logExists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, logFileName))
	return err == nil && info.Size() > 0
}

func openCommandLog(options LogOptions) (*commandLog, error) {
	if err := os.MkdirAll(options.Dir, 0755); err != nil {
		return nil, err
	}

	fpath := filepath.Join(options.Dir, logFileName)
	f, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &commandLog{
		fpath:      fpath,
		f:          f,
		syncWrites: options.SyncWrites,
		logger:     logger.With(zap.String("name", "commandLog"), zap.String("path", fpath)).Sugar(),
	}, nil
}

// Append writes the entry as one line. The line is written with a single write call so that a crash
// leaves at most a torn trailing line, which readAll discards.
func (l *commandLog) Append(entry LogEntry) error {
	if l.closed {
		return ErrClosed
	}

	line, err := entry.Encode()
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append([]byte(line), '\n')); err != nil {
		return err
	}
	if l.syncWrites {
		return l.f.Sync()
	}
	return nil
}

// ReadAll returns every entry in file order. When memoryMapped is set, the file is mapped into memory
// instead of being read through a buffer.
func (l *commandLog) ReadAll(memoryMapped bool) ([]LogEntry, error) {
	if l.closed {
		return nil, ErrClosed
	}

	info, err := l.f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return []LogEntry{}, nil
	}

	entries, validLen, err := l.decode(info.Size(), memoryMapped)
	if err != nil {
		return nil, err
	}

	if validLen < info.Size() {
		l.logger.Warnf("Discarding torn trailing record of %d bytes", info.Size()-validLen)
		if err := l.f.Truncate(validLen); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (l *commandLog) decode(size int64, memoryMapped bool) ([]LogEntry, int64, error) {
	if !memoryMapped {
		data, err := io.ReadAll(io.NewSectionReader(l.f, 0, size))
		if err != nil {
			return nil, 0, err
		}
		return decodeLog(data)
	}

	m, err := mmap.Map(l.f, mmap.RDONLY, 0)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := m.Unmap(); err != nil {
			l.logger.Error("Error unmapping log", zap.Error(err))
		}
	}()
	return decodeLog(m)
}

// decodeLog parses newline-terminated records, returning the length of the prefix holding complete records.
func decodeLog(data []byte) ([]LogEntry, int64, error) {
	var entries []LogEntry
	var offset int64
	for offset < int64(len(data)) {
		end := bytes.IndexByte(data[offset:], '\n')
		if end < 0 {
			break // Torn tail.
		}

		line := data[offset : offset+int64(end)]
		if len(bytes.TrimSpace(line)) > 0 {
			entry, err := DecodeEntry(string(line))
			if err != nil {
				return nil, 0, fmt.Errorf("corrupted log at offset %d: %w", offset, err)
			}
			entries = append(entries, entry)
		}
		offset += int64(end) + 1
	}
	return entries, offset, nil
}

func (l *commandLog) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.f.Sync(), l.f.Close())
}
