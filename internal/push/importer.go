// Package push turns a pushed commit range into wiki edits.
//
// git hands the helper a fast-export stream; the importer checks that
// the wiki has not moved past what the identity map recorded for every
// touched path (the optimistic-concurrency check), then replays each
// commit's file changes as save/delete calls in order. The first
// failure stops the push; commits already applied stay applied, and
// the per-ref result says how far it got.
package push

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jvasile/git-remote-dokuwiki/internal/idmap"
	"github.com/jvasile/git-remote-dokuwiki/internal/pathmap"
	"github.com/jvasile/git-remote-dokuwiki/internal/wiki"
)

// Service is the slice of the wiki client the importer needs.
type Service interface {
	GetPageInfo(ctx context.Context, pageID string) (wiki.PageInfo, error)
	PageHistory(ctx context.Context, pageID string) ([]wiki.PageRevision, error)
	SavePage(ctx context.Context, pageID, text, summary string, minor bool) error
	GetMediaInfo(ctx context.Context, mediaID string) (wiki.MediaInfo, error)
	MediaHistory(ctx context.Context, mediaID string) ([]wiki.MediaRevision, error)
	SaveMedia(ctx context.Context, mediaID string, data []byte) error
	DeleteMedia(ctx context.Context, mediaID string) error
}

// RefResult is the outcome of pushing one ref, reported to git as
// `ok <ref>` or `error <ref> <reason>`.
type RefResult struct {
	Ref    string
	OK     bool
	Reason string
	// Applied counts the commits fully replayed onto the wiki.
	Applied int
}

// Importer applies pushed commits to the wiki.
type Importer struct {
	wiki   Service
	ids    *idmap.Map
	mapper *pathmap.Mapper
	log    *zap.Logger
}

// New creates an Importer.
func New(svc Service, ids *idmap.Map, mapper *pathmap.Mapper, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{wiki: svc, ids: ids, mapper: mapper, log: logger}
}

// Push applies the parsed commit stream and returns one result per
// pushed ref, in first-appearance order.
func (im *Importer) Push(ctx context.Context, commits []*Commit) []RefResult {
	byRef := make(map[string][]*Commit)
	var order []string
	for _, c := range commits {
		if _, seen := byRef[c.Ref]; !seen {
			order = append(order, c.Ref)
		}
		byRef[c.Ref] = append(byRef[c.Ref], c)
	}

	results := make([]RefResult, 0, len(order))
	for _, ref := range order {
		results = append(results, im.pushRef(ctx, ref, byRef[ref]))
	}
	return results
}

func (im *Importer) pushRef(ctx context.Context, ref string, commits []*Commit) RefResult {
	result := RefResult{Ref: ref}

	if err := im.checkConflicts(ctx, commits); err != nil {
		result.Reason = reason(err)
		return result
	}

	for _, c := range commits {
		if err := im.applyCommit(ctx, c); err != nil {
			im.log.Error("push aborted",
				zap.String("ref", ref),
				zap.Int("applied", result.Applied),
				zap.Error(err))
			result.Reason = fmt.Sprintf("%s (%d of %d commits applied)",
				reason(err), result.Applied, len(commits))
			return result
		}
		result.Applied++
	}

	result.OK = true
	if last := commits[len(commits)-1]; last.Mark != "" {
		if err := im.ids.SetRefHead(ctx, ref, "push:"+last.Mark); err != nil {
			im.log.Warn("could not record ref head", zap.Error(err))
		}
	}
	return result
}

// checkConflicts verifies that for every path this push touches, the
// wiki's latest revision is exactly the one the identity map last
// synchronized. Any mismatch means someone edited the wiki after our
// fetch, and the push is rejected before any mutation.
func (im *Importer) checkConflicts(ctx context.Context, commits []*Commit) error {
	checked := make(map[string]bool)
	for _, c := range commits {
		for _, change := range c.Changes {
			if checked[change.Path] {
				continue
			}
			checked[change.Path] = true

			expected := int64(0)
			if entry, ok, err := im.ids.Latest(ctx, change.Path); err != nil {
				return err
			} else if ok && !entry.Deleted {
				expected = entry.Revision
			}

			remote, err := im.remoteRevision(ctx, change.Path)
			if err != nil {
				return err
			}

			if remote != expected {
				return &wiki.Error{
					Kind:   wiki.KindConflict,
					Op:     "push",
					Target: change.Path,
					Err: fmt.Errorf("non-fast-forward: wiki revision %d, last synchronized %d; fetch first",
						remote, expected),
				}
			}
		}
	}
	return nil
}

// remoteRevision reports the wiki's current revision for a path, zero
// when the path does not exist remotely.
func (im *Importer) remoteRevision(ctx context.Context, path string) (int64, error) {
	if im.mapper.Classify(path) == pathmap.KindPage {
		info, err := im.wiki.GetPageInfo(ctx, im.mapper.PageID(path))
		if wiki.IsNotFound(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return info.Revision, nil
	}
	info, err := im.wiki.GetMediaInfo(ctx, im.mapper.MediaID(path))
	if wiki.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Revision, nil
}

// applyCommit replays one commit's changes. The commit subject becomes
// the edit summary. DokuWiki has no author override: the wiki records
// the authenticated user as the revision author regardless of the git
// author.
func (im *Importer) applyCommit(ctx context.Context, c *Commit) error {
	summary := summaryOf(c)
	for _, change := range c.Changes {
		if err := im.applyChange(ctx, c, change, summary); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) applyChange(ctx context.Context, c *Commit, change FileChange, summary string) error {
	if im.mapper.Classify(change.Path) == pathmap.KindPage {
		return im.applyPage(ctx, c, change, summary)
	}
	return im.applyMedia(ctx, c, change, summary)
}

func (im *Importer) applyPage(ctx context.Context, c *Commit, change FileChange, summary string) error {
	id := im.mapper.PageID(change.Path)

	if change.Delete || len(change.Data) == 0 {
		im.log.Info("deleting page", zap.String("page", id))
		if err := im.wiki.SavePage(ctx, id, "", "Deleted: "+summary, false); err != nil {
			return err
		}
		im.recordPageDeletion(ctx, c, change.Path, id)
		return nil
	}

	im.log.Info("saving page", zap.String("page", id))
	if err := im.wiki.SavePage(ctx, id, string(change.Data), summary, false); err != nil {
		return err
	}

	info, err := im.wiki.GetPageInfo(ctx, id)
	if err != nil {
		// The edit went through; a failed info call must not abort the
		// push, it only costs an identity-map entry.
		im.log.Warn("could not read back new revision", zap.String("page", id), zap.Error(err))
		return nil
	}
	return im.ids.Record(ctx, change.Path, info.Revision, pushIdentity(c), false)
}

// recordPageDeletion learns the deletion revision id from the page
// history so the next fetch recognizes it as already synchronized.
// Best effort: failure only means the next fetch re-imports a no-op
// delete.
func (im *Importer) recordPageDeletion(ctx context.Context, c *Commit, path, id string) {
	history, err := im.wiki.PageHistory(ctx, id)
	if err != nil || len(history) == 0 {
		return
	}
	newest := history[0]
	for _, h := range history[1:] {
		if h.Revision > newest.Revision {
			newest = h
		}
	}
	if newest.Type.IsDelete() {
		_ = im.ids.Record(ctx, path, newest.Revision, pushIdentity(c), true)
	}
}

// recordMediaDeletion writes a delete tombstone for a removed media
// file. Deleted media drops out of the wiki's listings, so no later
// fetch will visit the path again; only the tombstone lets a future
// push re-add it. The revision comes from the media history when it
// shows the deletion, otherwise a synthetic one past the last
// synchronized revision stands in.
func (im *Importer) recordMediaDeletion(ctx context.Context, c *Commit, path, id string) {
	var rev int64
	if history, err := im.wiki.MediaHistory(ctx, id); err == nil {
		for _, h := range history {
			if h.Type.IsDelete() && h.Revision > rev {
				rev = h.Revision
			}
		}
	}
	if rev == 0 {
		entry, ok, err := im.ids.Latest(ctx, path)
		if err != nil || !ok {
			return
		}
		rev = entry.Revision + 1
	}
	_ = im.ids.Record(ctx, path, rev, pushIdentity(c), true)
}

func (im *Importer) applyMedia(ctx context.Context, c *Commit, change FileChange, summary string) error {
	id := im.mapper.MediaID(change.Path)

	if change.Delete {
		im.log.Info("deleting media", zap.String("media", id))
		if err := im.wiki.DeleteMedia(ctx, id); err != nil {
			return err
		}
		im.recordMediaDeletion(ctx, c, change.Path, id)
		return nil
	}

	im.log.Info("uploading media", zap.String("media", id))
	if err := im.wiki.SaveMedia(ctx, id, change.Data); err != nil {
		return err
	}

	info, err := im.wiki.GetMediaInfo(ctx, id)
	if err != nil {
		im.log.Warn("could not read back new revision", zap.String("media", id), zap.Error(err))
		return nil
	}
	return im.ids.Record(ctx, change.Path, info.Revision, pushIdentity(c), false)
}

// summaryOf derives the wiki edit summary from the commit message: the
// subject line, like git log --oneline shows it.
func summaryOf(c *Commit) string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "pushed from git"
	}
	return subject
}

func pushIdentity(c *Commit) string {
	if c.Mark != "" {
		return "push:" + c.Mark
	}
	return "push:unmarked"
}

// reason flattens an error into a single protocol-safe line.
func reason(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", " ")
}
