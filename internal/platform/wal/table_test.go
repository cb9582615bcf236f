package wal

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/suite"

	"github.com/mySupply/phoss-smp/pkg/platform/sentinel"
)

type note struct {
	ID   string
	Text string
}

type noteCodec struct{}

func (noteCodec) Root() string { return "notes" }

func (noteCodec) Encode(n note) *etree.Element {
	el := etree.NewElement("note")
	el.CreateAttr("id", n.ID)
	el.SetText(n.Text)
	return el
}

func (noteCodec) Decode(el *etree.Element) (note, error) {
	id := el.SelectAttrValue("id", "")
	if id == "" {
		return note{}, errors.New("note without id")
	}
	return note{ID: id, Text: el.Text()}, nil
}

func (noteCodec) Key(n note) string { return n.ID }

// shortFile writes half of each buffer and then fails, like a disk filling
// up mid-write.
type shortFile struct {
	appendFile
	truncateErr error
}

func (f *shortFile) Write(p []byte) (int, error) {
	n, _ := f.appendFile.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func (f *shortFile) Truncate(size int64) error {
	if f.truncateErr != nil {
		return f.truncateErr
	}
	return f.appendFile.Truncate(size)
}

type TableSuite struct {
	suite.Suite
	dir string
	ctx context.Context
}

func TestTableSuite(t *testing.T) {
	suite.Run(t, new(TableSuite))
}

func (s *TableSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
}

func (s *TableSuite) open(opts ...TableOption) *Table[note] {
	table, err := OpenTable[note](s.dir, "notes", noteCodec{}, opts...)
	s.Require().NoError(err)
	return table
}

func (s *TableSuite) put(table *Table[note], action Action, n note) {
	err := table.RunLocked(s.ctx, func(ctx context.Context) error {
		return table.Put(ctx, action, n)
	})
	s.Require().NoError(err)
}

func (s *TableSuite) TestRecoversAfterRestart() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "b", Text: "second"})
	s.put(table, ActionCreate, note{ID: "a", Text: "first\nwith a newline"})
	s.put(table, ActionUpdate, note{ID: "b", Text: "second, edited"})
	s.Require().NoError(table.RunLocked(s.ctx, func(ctx context.Context) error {
		_, err := table.Remove(ctx, "missing")
		return err
	}))
	// Simulate a crash: close the WAL without checkpointing.
	s.Require().NoError(table.log.Close())

	reopened := s.open()
	defer reopened.Close()

	s.Equal(2, reopened.Len(s.ctx))
	s.Equal([]note{
		{ID: "a", Text: "first\nwith a newline"},
		{ID: "b", Text: "second, edited"},
	}, reopened.Values(s.ctx))

	walInfo, err := os.Stat(LogPath(s.dir, "notes"))
	s.Require().NoError(err)
	s.Zero(walInfo.Size(), "recovery checkpoints and truncates the wal")
}

func (s *TableSuite) TestRemoveBatch() {
	table := s.open()
	defer table.Close()
	s.put(table, ActionCreate, note{ID: "a"})
	s.put(table, ActionCreate, note{ID: "b"})
	s.put(table, ActionCreate, note{ID: "c"})

	var removed int
	err := table.RunLocked(s.ctx, func(ctx context.Context) error {
		var err error
		removed, err = table.Remove(ctx, "a", "c", "c", "zz")
		return err
	})
	s.Require().NoError(err)
	s.Equal(2, removed)
	s.Equal([]note{{ID: "b"}}, table.Values(s.ctx))
}

func (s *TableSuite) TestMutationOutsideLock() {
	table := s.open()
	defer table.Close()

	s.ErrorIs(table.Put(s.ctx, ActionCreate, note{ID: "a"}), sentinel.ErrNoTx)
	_, err := table.Remove(s.ctx, "a")
	s.ErrorIs(err, sentinel.ErrNoTx)
}

func (s *TableSuite) TestReadsInsideLock() {
	table := s.open()
	defer table.Close()
	s.put(table, ActionCreate, note{ID: "a"})

	err := table.RunLocked(s.ctx, func(ctx context.Context) error {
		_, ok := table.Get(ctx, "a")
		s.True(ok)
		s.Equal(1, table.Len(ctx))
		return table.RunLocked(ctx, func(ctx context.Context) error {
			return table.Put(ctx, ActionCreate, note{ID: "b"})
		})
	})
	s.Require().NoError(err)
	s.Equal(2, table.Len(s.ctx))
}

func (s *TableSuite) TestCheckpointEvery() {
	table := s.open(WithCheckpointEvery(2))
	defer table.Close()

	s.put(table, ActionCreate, note{ID: "b"})
	s.put(table, ActionCreate, note{ID: "a"})

	walInfo, err := os.Stat(LogPath(s.dir, "notes"))
	s.Require().NoError(err)
	s.Zero(walInfo.Size())

	raw, err := os.ReadFile(DocumentPath(s.dir, "notes"))
	s.Require().NoError(err)
	doc := string(raw)
	s.Less(strings.Index(doc, `id="a"`), strings.Index(doc, `id="b"`), "document is sorted by key")
}

func (s *TableSuite) TestTornTailIsIgnored() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "a"})
	s.Require().NoError(table.log.Close())

	f, err := os.OpenFile(LogPath(s.dir, "notes"), os.O_WRONLY|os.O_APPEND, 0o640)
	s.Require().NoError(err)
	_, err = f.WriteString(`{"action":"CREATE","time":"2025-01-01T00:00:00Z","item":"<note id=`)
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	reopened := s.open()
	defer reopened.Close()
	s.Equal([]note{{ID: "a"}}, reopened.Values(s.ctx))
}

func (s *TableSuite) TestCorruptEntryAbortsRecovery() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "a"})
	s.Require().NoError(table.log.Close())

	f, err := os.OpenFile(LogPath(s.dir, "notes"), os.O_WRONLY|os.O_APPEND, 0o640)
	s.Require().NoError(err)
	_, err = f.WriteString("{not json}\n")
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	_, err = OpenTable[note](s.dir, "notes", noteCodec{})
	s.Require().Error(err)
	s.Contains(err.Error(), "wal line 2")
}

func (s *TableSuite) TestDuplicateDocumentKeyAbortsRecovery() {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<notes>
  <note id="a">one</note>
  <note id="a">two</note>
</notes>`
	s.Require().NoError(os.WriteFile(DocumentPath(s.dir, "notes"), []byte(doc), 0o640))

	_, err := OpenTable[note](s.dir, "notes", noteCodec{})
	s.Require().Error(err)
	s.Contains(err.Error(), "duplicate key a")
}

func (s *TableSuite) TestReplayIsIdempotent() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "a", Text: "v1"})
	// Document already contains the entry the wal still carries.
	s.Require().NoError(writeDocument(s.dir, "notes", noteCodec{}, []note{{ID: "a", Text: "v1"}}))
	s.Require().NoError(table.log.Close())

	reopened := s.open()
	defer reopened.Close()
	s.Equal([]note{{ID: "a", Text: "v1"}}, reopened.Values(s.ctx))
}

func (s *TableSuite) TestRecoverIsReadOnly() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "a"})
	s.Require().NoError(table.log.Close())

	items, stats, err := Recover[note](s.dir, "notes", noteCodec{}, nil)
	s.Require().NoError(err)
	s.Len(items, 1)
	s.Equal(1, stats.Replayed)

	walInfo, err := os.Stat(LogPath(s.dir, "notes"))
	s.Require().NoError(err)
	s.NotZero(walInfo.Size())
}

func (s *TableSuite) TestFailedAppendIsCutOff() {
	table := s.open()
	s.put(table, ActionCreate, note{ID: "a"})

	file := table.log.wal
	table.log.wal = &shortFile{appendFile: file}
	err := table.RunLocked(s.ctx, func(ctx context.Context) error {
		return table.Put(ctx, ActionCreate, note{ID: "b", Text: "lost"})
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "write wal")
	_, ok := table.Get(s.ctx, "b")
	s.False(ok)

	table.log.wal = file
	s.put(table, ActionCreate, note{ID: "c"})
	s.Require().NoError(table.log.Close())

	items, stats, err := Recover[note](s.dir, "notes", noteCodec{}, nil)
	s.Require().NoError(err)
	s.False(stats.TornTail)
	s.Equal(2, stats.Replayed)
	s.Equal(map[string]note{"a": {ID: "a"}, "c": {ID: "c"}}, items)
}

func (s *TableSuite) TestUnrecoverableAppendRefusesWrites() {
	table := s.open()
	defer table.Close()
	s.put(table, ActionCreate, note{ID: "a"})

	file := table.log.wal
	table.log.wal = &shortFile{appendFile: file, truncateErr: errors.New("read-only file system")}
	err := table.RunLocked(s.ctx, func(ctx context.Context) error {
		return table.Put(ctx, ActionCreate, note{ID: "b"})
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "roll back wal")

	table.log.wal = file
	err = table.RunLocked(s.ctx, func(ctx context.Context) error {
		return table.Put(ctx, ActionCreate, note{ID: "c"})
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "refuses appends")

	s.Require().NoError(table.Checkpoint(s.ctx))
	s.put(table, ActionCreate, note{ID: "c"})
	s.Equal([]note{{ID: "a"}, {ID: "c"}}, table.Values(s.ctx))
}
