package gather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/msageha/relay/internal/model"
)

// historyChunk summarizes the last HistoryCommits commits reachable from
// HEAD. A workspace that is not a repository, or has no commits, yields no
// chunk and no warning.
func (g *Gatherer) historyChunk(ctx context.Context, r *Result) (model.ContextChunk, bool) {
	repo, err := gogit.PlainOpenWithOptions(g.ws.Root(), &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if !errors.Is(err, gogit.ErrRepositoryNotExists) {
			r.warn(model.SourceGitLog, "open repository: "+err.Error())
		}
		return model.ContextChunk{}, false
	}
	iter, err := repo.Log(&gogit.LogOptions{Order: gogit.LogOrderCommitterTime})
	if err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			r.warn(model.SourceGitLog, "read log: "+err.Error())
		}
		return model.ContextChunk{}, false
	}
	defer iter.Close()

	var lines []string
	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(lines) >= g.opts.HistoryCommits {
			return io.EOF
		}
		lines = append(lines, formatCommit(c))
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		r.warn(model.SourceGitLog, "walk log: "+err.Error())
		return model.ContextChunk{}, false
	}
	if len(lines) == 0 {
		return model.ContextChunk{}, false
	}

	content := strings.Join(lines, "\n")
	return model.ContextChunk{
		Content:   content,
		Source:    model.SourceGitLog,
		ChunkType: model.ChunkHistory,
		Priority:  model.PriorityLow,
		Tokens:    g.counter.Count(content),
		Metadata:  map[string]string{"commits": strconv.Itoa(len(lines))},
	}, true
}

func formatCommit(c *object.Commit) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return fmt.Sprintf("%s %s %s: %s",
		c.Hash.String()[:7],
		c.Author.When.UTC().Format("2006-01-02"),
		c.Author.Name,
		subject,
	)
}
