// Package wal keeps a set of records durable as an XML document plus an
// append-only write-ahead log. The document holds the state as of the last
// checkpoint; the log holds every change since.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	documentSuffix = ".xml"
	walSuffix      = ".xml.wal"
	tmpSuffix      = ".tmp"
)

// line is the JSON form of one WAL entry. Item is the serialized XML
// element, which may span several lines of its own.
type line struct {
	Action Action    `json:"action"`
	Time   time.Time `json:"time"`
	Item   string    `json:"item"`
}

// RecoveryStats describes what recovery found on disk.
type RecoveryStats struct {
	DocumentItems int
	Replayed      int
	TornTail      bool
}

// appendFile is the part of *os.File the log writes through.
type appendFile interface {
	io.WriteCloser
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// Log owns the document and WAL files of one record set.
type Log[T any] struct {
	dir    string
	name   string
	codec  Codec[T]
	logger *slog.Logger
	now    func() time.Time

	wal appendFile
	// failed is set when a failed append could not be cut back off the WAL.
	// Appends are refused until a checkpoint rewrites it.
	failed error
}

// DocumentPath returns the document path for name inside dir.
func DocumentPath(dir, name string) string {
	return filepath.Join(dir, name+documentSuffix)
}

// LogPath returns the WAL path for name inside dir.
func LogPath(dir, name string) string {
	return filepath.Join(dir, name+walSuffix)
}

// Recover reads the document and replays the WAL without writing anything.
// Every read or decode failure is returned; only a final WAL line that lacks
// its terminating newline is skipped, since that is an interrupted append.
func Recover[T any](dir, name string, codec Codec[T], logger *slog.Logger) (map[string]T, RecoveryStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats RecoveryStats

	items, err := readDocument(DocumentPath(dir, name), codec)
	if err != nil {
		return nil, stats, err
	}
	stats.DocumentItems = len(items)

	f, err := os.Open(LogPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return items, stats, nil
	}
	if err != nil {
		return nil, stats, fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(raw)) > 0 {
				stats.TornTail = true
				logger.Warn("ignoring incomplete trailing wal entry",
					"file", LogPath(dir, name),
					"line", lineNo,
				)
			}
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read wal line %d: %w", lineNo, err)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		entry, err := decodeLine(raw, codec)
		if err != nil {
			return nil, stats, fmt.Errorf("wal line %d: %w", lineNo, err)
		}
		// Replay is idempotent: a crash between checkpoint and truncation
		// leaves entries that are already part of the document.
		key := codec.Key(entry.Item)
		switch entry.Action {
		case ActionCreate, ActionUpdate:
			items[key] = entry.Item
		case ActionDelete:
			delete(items, key)
		}
		stats.Replayed++
	}
	return items, stats, nil
}

// Open recovers the record set and opens the WAL for appending. When
// recovery replayed anything the state is checkpointed right away.
func Open[T any](dir, name string, codec Codec[T], logger *slog.Logger) (*Log[T], map[string]T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create wal dir: %w", err)
	}

	items, stats, err := Recover(dir, name, codec, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("recover %s: %w", name, err)
	}

	wal, err := os.OpenFile(LogPath(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open wal: %w", err)
	}
	l := &Log[T]{dir: dir, name: name, codec: codec, logger: logger, now: time.Now, wal: wal}

	if stats.Replayed > 0 || stats.TornTail {
		logger.Info("wal recovered",
			"name", name,
			"document_items", stats.DocumentItems,
			"replayed", stats.Replayed,
		)
		if err := l.Checkpoint(sortedValues(items, codec)); err != nil {
			_ = wal.Close()
			return nil, nil, err
		}
	}
	return l, items, nil
}

// Append writes entries as one batch and fsyncs before returning. A failed
// write or sync is truncated back off the WAL, so a partial line never has
// later entries appended behind it.
func (l *Log[T]) Append(entries ...Entry[T]) error {
	if l.wal == nil {
		return errors.New("wal closed")
	}
	if l.failed != nil {
		return fmt.Errorf("wal %s refuses appends until checkpointed: %w", l.name, l.failed)
	}
	var buf bytes.Buffer
	now := l.now().UTC()
	for _, e := range entries {
		if !e.Action.valid() {
			return fmt.Errorf("invalid wal action %q", e.Action)
		}
		item, err := elementString(l.codec.Encode(e.Item))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(line{Action: e.Action, Time: now, Item: item})
		if err != nil {
			return fmt.Errorf("marshal wal entry: %w", err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	info, err := l.wal.Stat()
	if err != nil {
		return fmt.Errorf("stat wal: %w", err)
	}
	if _, err := l.wal.Write(buf.Bytes()); err != nil {
		return l.rollback(info.Size(), fmt.Errorf("write wal: %w", err))
	}
	if err := l.wal.Sync(); err != nil {
		return l.rollback(info.Size(), fmt.Errorf("sync wal: %w", err))
	}
	return nil
}

func (l *Log[T]) rollback(size int64, cause error) error {
	err := l.wal.Truncate(size)
	if err == nil {
		err = l.wal.Sync()
	}
	if err != nil {
		l.failed = errors.Join(cause, fmt.Errorf("roll back wal: %w", err))
		l.logger.Error("wal append could not be rolled back",
			"name", l.name,
			"size", size,
			"error", l.failed,
		)
		return l.failed
	}
	return cause
}

// Checkpoint replaces the document with items and truncates the WAL.
func (l *Log[T]) Checkpoint(items []T) error {
	if l.wal == nil {
		return errors.New("wal closed")
	}
	if err := writeDocument(l.dir, l.name, l.codec, items); err != nil {
		return err
	}
	if err := l.wal.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if err := l.wal.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	l.failed = nil
	return nil
}

func (l *Log[T]) Close() error {
	if l.wal == nil {
		return nil
	}
	err := l.wal.Close()
	l.wal = nil
	return err
}

func readDocument[T any](path string, codec Codec[T]) (map[string]T, error) {
	items := make(map[string]T)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return items, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("document %s has no root element", path)
	}
	if root.Tag != codec.Root() {
		return nil, fmt.Errorf("document %s: root element %q, expected %q", path, root.Tag, codec.Root())
	}
	for i, el := range root.ChildElements() {
		item, err := codec.Decode(el)
		if err != nil {
			return nil, fmt.Errorf("document %s entry %d: %w", path, i, err)
		}
		key := codec.Key(item)
		if _, dup := items[key]; dup {
			return nil, fmt.Errorf("document %s: duplicate key %s", path, key)
		}
		items[key] = item
	}
	return items, nil
}

func writeDocument[T any](dir, name string, codec Codec[T], items []T) error {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b T) int { return strings.Compare(codec.Key(a), codec.Key(b)) })

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(codec.Root())
	for _, item := range sorted {
		root.AddChild(codec.Encode(item))
	}
	doc.Indent(2)

	path := DocumentPath(dir, name)
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if _, err := doc.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write document: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

func decodeLine[T any](raw []byte, codec Codec[T]) (Entry[T], error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Entry[T]{}, fmt.Errorf("decode entry: %w", err)
	}
	if !l.Action.valid() {
		return Entry[T]{}, fmt.Errorf("unknown action %q", l.Action)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(l.Item); err != nil {
		return Entry[T]{}, fmt.Errorf("parse item: %w", err)
	}
	if doc.Root() == nil {
		return Entry[T]{}, errors.New("empty item")
	}
	item, err := codec.Decode(doc.Root())
	if err != nil {
		return Entry[T]{}, fmt.Errorf("decode item: %w", err)
	}
	return Entry[T]{Action: l.Action, Item: item}, nil
}

func elementString(el *etree.Element) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el)
	s, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serialize item: %w", err)
	}
	return s, nil
}

func sortedValues[T any](items map[string]T, codec Codec[T]) []T {
	out := make([]T, 0, len(items))
	for _, v := range items {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return strings.Compare(codec.Key(a), codec.Key(b)) })
	return out
}
