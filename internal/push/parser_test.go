package push

import (
	"bufio"
	"strconv"
	"strings"
	"testing"
)

func parseStream(t *testing.T, stream string) []*Commit {
	t.Helper()
	commits, err := NewParser(bufio.NewReader(strings.NewReader(stream))).Parse()
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return commits
}

func TestParse_BlobAndCommit(t *testing.T) {
	stream := "feature done\n" +
		"blob\n" +
		"mark :1\n" +
		"data 6\n" +
		"hello\n" +
		"\n" +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author Alice <alice@example.org> 1700000000 +0000\n" +
		"committer Alice <alice@example.org> 1700000000 +0000\n" +
		"data 13\n" +
		"add greeting\n" +
		"M 100644 :1 start.txt\n" +
		"\n" +
		"done\n"

	commits := parseStream(t, stream)
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	c := commits[0]
	if c.Ref != "refs/heads/main" || c.Mark != ":2" {
		t.Errorf("commit = ref %q mark %q", c.Ref, c.Mark)
	}
	if c.Author.Name != "Alice" || c.Author.Email != "alice@example.org" || c.Author.When != 1700000000 {
		t.Errorf("author = %+v", c.Author)
	}
	if c.Message != "add greeting" {
		t.Errorf("message = %q", c.Message)
	}
	if len(c.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(c.Changes))
	}
	if ch := c.Changes[0]; ch.Path != "start.txt" || string(ch.Data) != "hello\n" || ch.Delete {
		t.Errorf("change = %+v", ch)
	}
}

func TestParse_InlineData(t *testing.T) {
	stream := "commit refs/heads/main\n" +
		"mark :1\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 2\n" +
		"up\n" +
		"M 100644 inline notes.txt\n" +
		"data 4\n" +
		"body\n" +
		"\n" +
		"done\n"

	commits := parseStream(t, stream)
	if len(commits) != 1 || len(commits[0].Changes) != 1 {
		t.Fatalf("commits = %+v", commits)
	}
	if got := string(commits[0].Changes[0].Data); got != "body" {
		t.Errorf("inline data = %q, want body", got)
	}
}

func TestParse_DeleteAndQuotedPath(t *testing.T) {
	stream := "commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 2\n" +
		"rm\n" +
		"D \"odd name.txt\"\n" +
		"\n" +
		"done\n"

	commits := parseStream(t, stream)
	ch := commits[0].Changes[0]
	if !ch.Delete || ch.Path != "odd name.txt" {
		t.Errorf("change = %+v, want delete of \"odd name.txt\"", ch)
	}
}

func TestParse_DataIsByteExact(t *testing.T) {
	// A message containing lines that look like stream commands must be
	// read by byte count, not by line scanning.
	message := "subject\n\nM 100644 :9 fake.txt\ndone\n"
	stream := "commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data " + strconv.Itoa(len(message)) + "\n" +
		message +
		"\n" +
		"done\n"

	commits := parseStream(t, stream)
	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(commits))
	}
	if len(commits[0].Changes) != 0 {
		t.Errorf("commands inside the data block were parsed as changes: %+v", commits[0].Changes)
	}
	if got := commits[0].Message; got != strings.TrimRight(message, "\n") {
		t.Errorf("message = %q", got)
	}
}

func TestParse_FromAndMultipleCommits(t *testing.T) {
	stream := "blob\nmark :1\ndata 1\na\n" +
		"blob\nmark :2\ndata 1\nb\n" +
		"commit refs/heads/main\n" +
		"mark :3\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 5\nfirst\n" +
		"from refs/heads/main^0\n" +
		"M 100644 :1 one.txt\n" +
		"\n" +
		"commit refs/heads/main\n" +
		"mark :4\n" +
		"committer A <a@b> 2 +0000\n" +
		"data 6\nsecond\n" +
		"from :3\n" +
		"M 100644 :2 two.txt\n" +
		"\n" +
		"done\n"

	commits := parseStream(t, stream)
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if commits[0].From != "refs/heads/main^0" || commits[1].From != ":3" {
		t.Errorf("from = %q, %q", commits[0].From, commits[1].From)
	}
	if string(commits[1].Changes[0].Data) != "b" {
		t.Errorf("second commit data = %q, want b", commits[1].Changes[0].Data)
	}
}

func TestParse_MergeCommitIsRejected(t *testing.T) {
	stream := "commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 5\nmerge\n" +
		"from :1\n" +
		"merge :2\n" +
		"\n" +
		"done\n"

	_, err := NewParser(bufio.NewReader(strings.NewReader(stream))).Parse()
	if err == nil || !strings.Contains(err.Error(), "merge commit") {
		t.Errorf("Parse() error = %v, want merge rejection", err)
	}
}

func TestParse_RenameIsRejected(t *testing.T) {
	stream := "commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 3\nmv\n" +
		"R old.txt new.txt\n" +
		"\n" +
		"done\n"

	_, err := NewParser(bufio.NewReader(strings.NewReader(stream))).Parse()
	if err == nil || !strings.Contains(err.Error(), "rename/copy") {
		t.Errorf("Parse() error = %v, want rename rejection", err)
	}
}

func TestParse_UnknownBlobMark(t *testing.T) {
	stream := "commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 1\nx\n" +
		"M 100644 :42 start.txt\n" +
		"\n" +
		"done\n"

	_, err := NewParser(bufio.NewReader(strings.NewReader(stream))).Parse()
	if err == nil || !strings.Contains(err.Error(), "unknown blob") {
		t.Errorf("Parse() error = %v, want unknown blob", err)
	}
}

func TestParse_EOFWithoutDone(t *testing.T) {
	stream := "blob\nmark :1\ndata 1\nx\n" +
		"commit refs/heads/main\n" +
		"committer A <a@b> 1 +0000\n" +
		"data 1\nm\n" +
		"M 100644 :1 start.txt\n"

	commits := parseStream(t, stream)
	if len(commits) != 1 {
		t.Errorf("got %d commits, want 1", len(commits))
	}
}

func TestParseIdent(t *testing.T) {
	tests := []struct {
		in   string
		want Signature
	}{
		{"Alice <alice@example.org> 1700000000 +0200",
			Signature{Name: "Alice", Email: "alice@example.org", When: 1700000000}},
		{"<alice@example.org> 5 +0000",
			Signature{Email: "alice@example.org", When: 5}},
		{"no email here", Signature{Name: "no email here"}},
	}
	for _, tt := range tests {
		if got := parseIdent(tt.in); got != tt.want {
			t.Errorf("parseIdent(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
