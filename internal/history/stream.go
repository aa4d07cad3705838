package history

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// StreamWriter emits a git fast-import stream. Marks are numbered from
// a caller-chosen base so they stay unique across incremental runs.
type StreamWriter struct {
	w    *bufio.Writer
	next uint64
	err  error
}

// FileModify attaches a blob to a path in a commit.
type FileModify struct {
	Path string
	Blob uint64
}

// CommitSpec describes one commit to emit. Exactly one of FromMark and
// FromRef may be set; both zero means a root commit.
type CommitSpec struct {
	Ref      string
	Author   string
	Email    string
	When     int64 // unix seconds
	Message  string
	FromMark uint64
	FromRef  string
	Modify   []FileModify
	Delete   []string
}

// NewStreamWriter wraps w. firstMark is the number the first emitted
// mark receives; pass 1 for a standalone stream.
func NewStreamWriter(w io.Writer, firstMark uint64) *StreamWriter {
	if firstMark == 0 {
		firstMark = 1
	}
	return &StreamWriter{w: bufio.NewWriter(w), next: firstMark}
}

// NextMark returns the number the next emitted mark will receive.
func (s *StreamWriter) NextMark() uint64 { return s.next }

// Blob emits a blob and returns its mark.
func (s *StreamWriter) Blob(data []byte) uint64 {
	mark := s.next
	s.next++
	s.printf("blob\nmark :%d\ndata %d\n", mark, len(data))
	s.write(data)
	s.printf("\n")
	return mark
}

// Commit emits a commit and returns its mark.
func (s *StreamWriter) Commit(c CommitSpec) uint64 {
	mark := s.next
	s.next++

	name := sanitizeName(c.Author)
	email := sanitizeEmail(c.Email)

	s.printf("commit %s\n", c.Ref)
	s.printf("mark :%d\n", mark)
	s.printf("author %s <%s> %d +0000\n", name, email, c.When)
	s.printf("committer %s <%s> %d +0000\n", name, email, c.When)
	s.printf("data %d\n", len(c.Message))
	s.write([]byte(c.Message))
	s.printf("\n")

	switch {
	case c.FromMark != 0:
		s.printf("from :%d\n", c.FromMark)
	case c.FromRef != "":
		s.printf("from %s^0\n", c.FromRef)
	}

	for _, m := range c.Modify {
		s.printf("M 100644 :%d %s\n", m.Blob, m.Path)
	}
	for _, p := range c.Delete {
		s.printf("D %s\n", p)
	}
	s.printf("\n")
	return mark
}

// Flush flushes buffered output and returns the first write error, if
// any.
func (s *StreamWriter) Flush() error {
	if s.err != nil {
		return s.err
	}
	return s.w.Flush()
}

func (s *StreamWriter) printf(format string, args ...any) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, format, args...)
}

func (s *StreamWriter) write(data []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.Write(data)
}

// sanitizeName strips the characters git forbids in ident names.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\n':
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func sanitizeEmail(email string) string {
	email = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\n', ' ':
			return -1
		}
		return r
	}, email)
	if email == "" {
		return "unknown@dokuwiki"
	}
	return email
}
