// Package history keeps saved versions of a project as commits in a
// per-project git repository.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

var (
	ErrNoChanges = errors.New("nothing changed since the last version")
	ErrNotFound  = errors.New("version not found")
)

const projectFile = "project.json"

// Content is the live state of a project as saved in one version.
type Content struct {
	Project  change.Document                             `json:"project,omitempty"`
	Contents map[change.Kind]map[string]change.Document `json:"contents"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// FromSnapshot keeps the live records of snap and drops tombstones.
func FromSnapshot(snap state.Snapshot) Content {
	content := Content{
		Project:  change.Clone(snap.Project),
		Contents: make(map[change.Kind]map[string]change.Document, len(change.ContentKinds)),
	}
	for _, kind := range change.ContentKinds {
		records := make(map[string]change.Document)
		for id, entry := range snap.Contents[kind] {
			if !entry.Deleted {
				records[id] = change.Clone(entry.Data)
			}
		}
		content.Contents[kind] = records
	}
	return content
}

// Save commits the live state of snap. It returns ErrNoChanges when the
// state matches the latest version.
func (s *Service) Save(snap state.Snapshot, author, message string) (Version, error) {
	lock := s.projectLock(snap.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(snap.ProjectID)
	if err != nil {
		return Version{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	content := FromSnapshot(snap)
	files := map[string]any{projectFile: content.Project}
	for kind, records := range content.Contents {
		files[kindFile(kind)] = records
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload, err := json.MarshalIndent(files[name], "", "  ")
		if err != nil {
			return Version{}, fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(root, name), append(payload, '\n'), 0o644); err != nil {
			return Version{}, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return Version{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return Version{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Version{}, ErrNoChanges
	}

	if message == "" {
		message = "Save version"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.noreply.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, fmt.Errorf("commit version: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// List returns versions newest first. A project without versions has an
// empty history.
func (s *Service) List(projectID string, limit int) ([]Version, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Get reads the content saved in a version. hash may be abbreviated.
func (s *Service) Get(projectID, hash string) (Content, Version, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Content{}, Version{}, ErrNotFound
	}
	if err != nil {
		return Content{}, Version{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, Version{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return Content{}, Version{}, ErrNotFound
	}
	if err != nil {
		return Content{}, Version{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	var content Content
	if err := readJSON(commitObj, projectFile, &content.Project); err != nil {
		return Content{}, Version{}, err
	}
	content.Contents = make(map[change.Kind]map[string]change.Document, len(change.ContentKinds))
	for _, kind := range change.ContentKinds {
		records := make(map[string]change.Document)
		if err := readJSON(commitObj, kindFile(kind), &records); err != nil {
			return Content{}, Version{}, err
		}
		content.Contents[kind] = records
	}
	return content, toVersion(commitObj), nil
}

// RestorePayload returns the payload that turns current into content: sets
// for records that differ or are missing, deletes for records the version
// does not have.
func RestorePayload(current state.Snapshot, content Content) []change.Payload {
	live := FromSnapshot(current)
	var payload []change.Payload
	if content.Project != nil && !reflect.DeepEqual(live.Project, content.Project) {
		payload = append(payload, change.Set(change.KindProject, current.ProjectID, content.Project))
	}
	for _, kind := range change.ContentKinds {
		item := change.Payload{Kind: kind}
		for id, doc := range content.Contents[kind] {
			if have, ok := live.Contents[kind][id]; ok && reflect.DeepEqual(have, doc) {
				continue
			}
			if item.Sets == nil {
				item.Sets = make(map[string]change.Document)
			}
			item.Sets[id] = doc
		}
		for id := range live.Contents[kind] {
			if _, ok := content.Contents[kind][id]; !ok {
				item.Deletes = append(item.Deletes, id)
			}
		}
		sort.Strings(item.Deletes)
		if !item.Empty() {
			payload = append(payload, item)
		}
	}
	return payload
}

func (s *Service) ensureRepo(projectID string) (*git.Repository, error) {
	path := s.repoPath(projectID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func kindFile(kind change.Kind) string {
	return string(kind) + ".json"
}

func readJSON(commitObj *object.Commit, name string, v any) error {
	file, err := commitObj.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return *resolved, nil
}
