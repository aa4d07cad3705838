package push

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Signature is a commit's author or committer ident.
type Signature struct {
	Name  string
	Email string
	When  int64
}

// FileChange is one tree change of a commit.
type FileChange struct {
	Path   string
	Data   []byte
	Delete bool
}

// Commit is one commit parsed from the fast-export stream, in stream
// order.
type Commit struct {
	Ref     string
	Mark    string
	Author  Signature
	Message string
	From    string
	Changes []FileChange
}

// Parser reads the git fast-export stream git pipes to the helper
// after an `export` command. It resolves blob marks so each commit
// carries its file contents directly.
type Parser struct {
	r     *bufio.Reader
	blobs map[string][]byte
}

// NewParser wraps r. The reader must be positioned just after the
// `export` command line.
func NewParser(r *bufio.Reader) *Parser {
	return &Parser{r: r, blobs: make(map[string][]byte)}
}

// Parse consumes the stream until its `done` terminator (or EOF) and
// returns the commits in order.
func (p *Parser) Parse() ([]*Commit, error) {
	var commits []*Commit

	for {
		line, err := p.readLine()
		if err == io.EOF {
			return commits, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}

		switch {
		case line == "done":
			return commits, nil
		case line == "" || strings.HasPrefix(line, "feature ") ||
			strings.HasPrefix(line, "reset ") || strings.HasPrefix(line, "progress "):
			// reset is followed by an optional from line, handled as
			// a stray "from" below.
		case strings.HasPrefix(line, "from "):
			// Belongs to a preceding reset; nothing to do.
		case line == "blob" || strings.HasPrefix(line, "blob "):
			if err := p.parseBlob(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "commit "):
			c, err := p.parseCommit(strings.TrimPrefix(line, "commit "))
			if err != nil {
				return nil, err
			}
			commits = append(commits, c)
		default:
			return nil, fmt.Errorf("unexpected stream command %q", line)
		}
	}
}

func (p *Parser) parseBlob() error {
	mark := ""
	for {
		line, err := p.readLine()
		if err != nil {
			return fmt.Errorf("read blob: %w", err)
		}
		if rest, ok := strings.CutPrefix(line, "mark "); ok {
			mark = rest
			continue
		}
		if strings.HasPrefix(line, "original-oid ") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data "); ok {
			data, err := p.readData(rest)
			if err != nil {
				return err
			}
			if mark != "" {
				p.blobs[mark] = data
			}
			return nil
		}
		return fmt.Errorf("unexpected line %q in blob", line)
	}
}

func (p *Parser) parseCommit(ref string) (*Commit, error) {
	c := &Commit{Ref: ref}

	for {
		line, err := p.readLine()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read commit: %w", err)
		}

		switch {
		case line == "":
			return c, nil
		case strings.HasPrefix(line, "mark "):
			c.Mark = strings.TrimPrefix(line, "mark ")
		case strings.HasPrefix(line, "original-oid "):
			// ignored
		case strings.HasPrefix(line, "author "):
			c.Author = parseIdent(strings.TrimPrefix(line, "author "))
		case strings.HasPrefix(line, "committer "):
			if c.Author.Name == "" && c.Author.Email == "" {
				c.Author = parseIdent(strings.TrimPrefix(line, "committer "))
			}
		case strings.HasPrefix(line, "encoding "):
			// ignored
		case strings.HasPrefix(line, "data "):
			data, err := p.readData(strings.TrimPrefix(line, "data "))
			if err != nil {
				return nil, err
			}
			c.Message = strings.TrimRight(string(data), "\n")
		case strings.HasPrefix(line, "from "):
			c.From = strings.TrimPrefix(line, "from ")
		case strings.HasPrefix(line, "merge "):
			return nil, fmt.Errorf("merge commit cannot be pushed: the wiki has no branches")
		case strings.HasPrefix(line, "M "):
			change, err := p.parseModify(line)
			if err != nil {
				return nil, err
			}
			c.Changes = append(c.Changes, change)
		case strings.HasPrefix(line, "D "):
			c.Changes = append(c.Changes, FileChange{
				Path:   unquotePath(strings.TrimPrefix(line, "D ")),
				Delete: true,
			})
		case strings.HasPrefix(line, "R "), strings.HasPrefix(line, "C "):
			return nil, fmt.Errorf("rename/copy records are not supported; re-export without -M/-C")
		case line == "deleteall":
			return nil, fmt.Errorf("deleteall is not supported")
		default:
			return nil, fmt.Errorf("unexpected line %q in commit", line)
		}
	}
}

// parseModify handles `M <mode> <dataref> <path>` where dataref is a
// blob mark or the literal "inline" followed by a data block.
func (p *Parser) parseModify(line string) (FileChange, error) {
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 4 {
		return FileChange{}, fmt.Errorf("malformed modify %q", line)
	}
	dataref, path := parts[2], unquotePath(parts[3])

	switch {
	case strings.HasPrefix(dataref, ":"):
		data, ok := p.blobs[strings.TrimPrefix(dataref, ":")]
		if !ok {
			return FileChange{}, fmt.Errorf("modify %s references unknown blob %s", path, dataref)
		}
		return FileChange{Path: path, Data: data}, nil
	case dataref == "inline":
		line, err := p.readLine()
		if err != nil {
			return FileChange{}, fmt.Errorf("read inline data: %w", err)
		}
		rest, ok := strings.CutPrefix(line, "data ")
		if !ok {
			return FileChange{}, fmt.Errorf("expected data block after inline, got %q", line)
		}
		data, err := p.readData(rest)
		if err != nil {
			return FileChange{}, err
		}
		return FileChange{Path: path, Data: data}, nil
	default:
		return FileChange{}, fmt.Errorf("modify %s uses unsupported dataref %q", path, dataref)
	}
}

// readData reads a `data` payload: an exact byte count, or the
// delimited form git itself never produces.
func (p *Parser) readData(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "<<") {
		return nil, fmt.Errorf("delimited data blocks are not supported")
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return nil, fmt.Errorf("bad data length %q: %w", arg, err)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, fmt.Errorf("read %d data bytes: %w", n, err)
	}
	// Data blocks are followed by an optional LF.
	if b, err := p.r.ReadByte(); err == nil && b != '\n' {
		_ = p.r.UnreadByte()
	}
	return data, nil
}

func (p *Parser) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// parseIdent splits `Name <email> when tz`.
func parseIdent(s string) Signature {
	sig := Signature{}
	open := strings.LastIndex(s, "<")
	end := strings.LastIndex(s, ">")
	if open < 0 || end < open {
		sig.Name = strings.TrimSpace(s)
		return sig
	}
	sig.Name = strings.TrimSpace(s[:open])
	sig.Email = s[open+1 : end]
	fields := strings.Fields(s[end+1:])
	if len(fields) > 0 {
		sig.When, _ = strconv.ParseInt(fields[0], 10, 64)
	}
	return sig
}

// unquotePath handles git's C-style quoting of unusual path names.
func unquotePath(p string) string {
	if !strings.HasPrefix(p, `"`) {
		return p
	}
	unquoted, err := strconv.Unquote(p)
	if err != nil {
		return p
	}
	return unquoted
}
