package wiki

// RevisionType is DokuWiki's change classification for a revision.
type RevisionType string

const (
	// RevisionCreate is the first revision of a page or media file.
	RevisionCreate RevisionType = "C"
	// RevisionEdit is an ordinary edit.
	RevisionEdit RevisionType = "E"
	// RevisionDelete marks the page or media file as removed.
	RevisionDelete RevisionType = "D"
	// RevisionMinor is a minor edit.
	RevisionMinor RevisionType = "e"
)

// IsDelete reports whether the revision removed the content.
func (t RevisionType) IsDelete() bool { return t == RevisionDelete }

// IsMinor reports whether the revision was flagged minor.
func (t RevisionType) IsMinor() bool { return t == RevisionMinor }

// PageInfo describes the current state of a wiki page. Revision ids in
// DokuWiki are unix timestamps with second resolution; Revision doubles
// as the last-modified time.
type PageInfo struct {
	ID       string
	Revision int64
	Author   string
	Size     int64
}

// PageRevision is one entry of a page's edit history.
type PageRevision struct {
	Revision   int64
	Author     string
	Summary    string
	SizeChange int64
	Type       RevisionType
}

// MediaInfo describes the current state of a media file.
type MediaInfo struct {
	ID       string
	Revision int64
	Author   string
	Size     int64
}

// MediaRevision is one entry of a media file's history.
type MediaRevision struct {
	Revision int64
	Author   string
	Summary  string
	Type     RevisionType
}
