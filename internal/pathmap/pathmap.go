// Package pathmap converts between DokuWiki identifiers and repository
// file paths.
//
// DokuWiki addresses pages and media files with colon-separated ids
// ("wiki:syntax", "playground:image.png"). In the local repository the
// same content lives at slash-separated paths, with the configured page
// extension appended to pages ("wiki/syntax.txt"). The mapping must be
// a bijection within one export: two distinct wiki ids that land on the
// same file path make the export ambiguous and are rejected.
package pathmap

import (
	"fmt"
	"path"
	"strings"
)

// DefaultPageExt is the file extension given to wiki pages when no
// override is configured.
const DefaultPageExt = ".txt"

// Kind classifies a repository path.
type Kind int

const (
	// KindPage is a wiki page (path carries the page extension).
	KindPage Kind = iota
	// KindMedia is a media file (any other extension, or none).
	KindMedia
)

func (k Kind) String() string {
	if k == KindPage {
		return "page"
	}
	return "media"
}

// AmbiguousMappingError reports two wiki ids that map to the same
// repository path. Export cannot represent both.
type AmbiguousMappingError struct {
	Path string
	IDs  [2]string
}

func (e *AmbiguousMappingError) Error() string {
	return fmt.Sprintf("ambiguous mapping: %q and %q both map to %s", e.IDs[0], e.IDs[1], e.Path)
}

// Mapper translates wiki ids to file paths and back. The zero value is
// not usable; construct with New.
type Mapper struct {
	// namespace is the wiki namespace the repository is rooted at,
	// without trailing separator. Empty means the wiki root.
	namespace string

	// pageExt includes the leading dot, e.g. ".txt".
	pageExt string

	// seen tracks path -> wiki id for collision detection.
	seen map[string]string
}

// New returns a Mapper rooted at the given namespace. An empty pageExt
// selects DefaultPageExt; a non-empty value without a leading dot gets
// one prepended.
func New(namespace, pageExt string) *Mapper {
	if pageExt == "" {
		pageExt = DefaultPageExt
	} else if !strings.HasPrefix(pageExt, ".") {
		pageExt = "." + pageExt
	}
	return &Mapper{
		namespace: strings.Trim(namespace, ":"),
		pageExt:   pageExt,
		seen:      make(map[string]string),
	}
}

// PageExt returns the configured page extension, with leading dot.
func (m *Mapper) PageExt() string {
	return m.pageExt
}

// Namespace returns the namespace the mapper is rooted at.
func (m *Mapper) Namespace() string {
	return m.namespace
}

// PagePath maps a page id to its repository path and records it for
// collision detection. Returns an *AmbiguousMappingError if a distinct
// id already claimed the same path.
func (m *Mapper) PagePath(pageID string) (string, error) {
	p := m.relPath(pageID) + m.pageExt
	return p, m.claim(p, pageID)
}

// MediaPath maps a media id to its repository path and records it for
// collision detection. Media keeps its own extension; if that extension
// equals the page extension the path would be indistinguishable from a
// page, which is reported as ambiguous.
func (m *Mapper) MediaPath(mediaID string) (string, error) {
	p := m.relPath(mediaID)
	if path.Ext(p) == m.pageExt {
		return "", &AmbiguousMappingError{Path: p, IDs: [2]string{mediaID, m.PageID(p)}}
	}
	return p, m.claim(p, mediaID)
}

// Classify reports whether a repository path holds a page or a media
// file. A path is a page iff its extension equals the page
// extension, compared case-sensitively.
func (m *Mapper) Classify(relPath string) Kind {
	if path.Ext(relPath) == m.pageExt {
		return KindPage
	}
	return KindMedia
}

// PageID converts a repository path back to a namespace-qualified page
// id. The page extension is stripped and slashes become colons; the
// mapper's namespace is prepended.
func (m *Mapper) PageID(relPath string) string {
	id := strings.TrimSuffix(relPath, m.pageExt)
	return m.qualify(strings.ReplaceAll(id, "/", ":"))
}

// MediaID converts a repository path back to a namespace-qualified
// media id. The extension is kept.
func (m *Mapper) MediaID(relPath string) string {
	return m.qualify(strings.ReplaceAll(relPath, "/", ":"))
}

// relPath converts a wiki id to a slash path relative to the mapper's
// namespace. Ids outside the namespace keep their full path.
func (m *Mapper) relPath(id string) string {
	id = strings.Trim(id, ":")
	if m.namespace != "" {
		id = strings.TrimPrefix(id, m.namespace+":")
	}
	return strings.ReplaceAll(id, ":", "/")
}

func (m *Mapper) qualify(id string) string {
	id = strings.Trim(id, ":")
	if m.namespace == "" {
		return id
	}
	return m.namespace + ":" + id
}

func (m *Mapper) claim(p, id string) error {
	if prev, ok := m.seen[p]; ok && prev != id {
		return &AmbiguousMappingError{Path: p, IDs: [2]string{prev, id}}
	}
	m.seen[p] = id
	return nil
}
