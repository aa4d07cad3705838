package history

import (
	"bytes"
	"testing"
)

func TestStreamWriter_BlobAndCommit(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, 1)

	blob := sw.Blob([]byte("hello\n"))
	if blob != 1 {
		t.Fatalf("first blob mark = %d, want 1", blob)
	}
	commit := sw.Commit(CommitSpec{
		Ref:     "refs/heads/main",
		Author:  "alice",
		Email:   "alice@dokuwiki",
		When:    1700000000,
		Message: "add greeting",
		Modify:  []FileModify{{Path: "start.txt", Blob: blob}},
	})
	if commit != 2 {
		t.Fatalf("commit mark = %d, want 2", commit)
	}
	if err := sw.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	want := "blob\n" +
		"mark :1\n" +
		"data 6\n" +
		"hello\n" +
		"\n" +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author alice <alice@dokuwiki> 1700000000 +0000\n" +
		"committer alice <alice@dokuwiki> 1700000000 +0000\n" +
		"data 12\n" +
		"add greeting\n" +
		"M 100644 :1 start.txt\n" +
		"\n"
	if got := buf.String(); got != want {
		t.Errorf("stream mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestStreamWriter_ParentForms(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, 1)

	sw.Commit(CommitSpec{Ref: "refs/heads/main", When: 1, Message: "a", FromMark: 7})
	sw.Commit(CommitSpec{Ref: "refs/heads/main", When: 2, Message: "b", FromRef: "refs/heads/main"})
	if err := sw.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("from :7\n")) {
		t.Errorf("missing mark parent in:\n%s", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("from refs/heads/main^0\n")) {
		t.Errorf("missing ref parent in:\n%s", out)
	}
}

func TestStreamWriter_Delete(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, 1)

	sw.Commit(CommitSpec{Ref: "refs/heads/main", When: 1, Message: "rm",
		Delete: []string{"old.txt"}})
	if err := sw.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("D old.txt\n")) {
		t.Errorf("missing file delete in:\n%s", buf.String())
	}
}

func TestStreamWriter_MarkBase(t *testing.T) {
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, 42)

	if mark := sw.Blob([]byte("x")); mark != 42 {
		t.Errorf("blob mark = %d, want 42", mark)
	}
	if sw.NextMark() != 43 {
		t.Errorf("NextMark() = %d, want 43", sw.NextMark())
	}
}

func TestSanitizeIdent(t *testing.T) {
	tests := []struct {
		name, email         string
		wantName, wantEmail string
	}{
		{"alice", "alice@dokuwiki", "alice", "alice@dokuwiki"},
		{"", "", "unknown", "unknown@dokuwiki"},
		{"evil<injector>", "a b@dokuwiki", "evilinjector", "ab@dokuwiki"},
		{"multi\nline", "x\n@dokuwiki", "multiline", "x@dokuwiki"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.name); got != tt.wantName {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.name, got, tt.wantName)
		}
		if got := sanitizeEmail(tt.email); got != tt.wantEmail {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", tt.email, got, tt.wantEmail)
		}
	}
}
