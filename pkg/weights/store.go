// Package weights resolves checkpoint references to local weight files,
// downloading them from the hub into an HF-style snapshot cache as needed.
//
// Layout: a repo identifier "org/name" becomes the directory
// "models--org--name/snapshots/<revision>/..." under the cache root. Resolve
// scans snapshot directories for matching files; Download materializes files
// into the "main" snapshot.
package weights

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

var (
	// ErrWeightsMissing indicates that no local file matches the reference.
	ErrWeightsMissing = errors.New("weights not found")
	// ErrAmbiguousWeights indicates that a repo-only reference matched more
	// than one artifact and no filename was given.
	ErrAmbiguousWeights = errors.New("multiple weight files match; specify a filename")
)

// weightExtensions are the artifact suffixes considered model weights when a
// repo-only reference is resolved.
var weightExtensions = []string{".gguf", ".safetensors", ".bin", ".onnx"}

// maxConcurrentDownloads bounds the number of simultaneous weight downloads.
const maxConcurrentDownloads = 2

// Ref is a parsed checkpoint reference.
type Ref struct {
	// Repo is the "org/name" repository identifier. Empty for literal paths.
	Repo string
	// File is the artifact filename within the repo. May be empty.
	File string
	// Path is a literal filesystem path, set when the reference was one.
	Path string
}

// ParseRef splits a checkpoint reference into its components. A reference is
// either a literal path (an absolute path), "org/name", or
// "org/name:filename".
func ParseRef(reference string) Ref {
	if filepath.IsAbs(reference) {
		return Ref{Path: reference}
	}
	if repo, file, ok := strings.Cut(reference, ":"); ok {
		return Ref{Repo: repo, File: file}
	}
	return Ref{Repo: reference}
}

// LocalWeight describes one artifact found in the cache.
type LocalWeight struct {
	Repo string `json:"repo"`
	File string `json:"file"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Store is the weight cache. All methods are safe for concurrent use;
// concurrent downloads of the same reference coalesce into one transfer.
type Store struct {
	log        logging.Logger
	cacheDir   string
	endpoint   string
	httpClient *http.Client

	group     singleflight.Group
	downloads *semaphore.Weighted
}

// DefaultCacheDir returns the weight cache directory, honoring HF_HUB_CACHE,
// then HF_HOME, then the conventional per-user location.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "hf-cache")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// NewStore creates a weight store rooted at cacheDir. If endpoint is empty
// the public hub endpoint is used; HF_ENDPOINT overrides it either way.
func NewStore(log logging.Logger, cacheDir, endpoint string, httpClient *http.Client) *Store {
	if endpoint == "" {
		endpoint = "https://huggingface.co"
	}
	if fromEnv := os.Getenv("HF_ENDPOINT"); fromEnv != "" {
		endpoint = fromEnv
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Store{
		log:        log,
		cacheDir:   cacheDir,
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
		downloads:  semaphore.NewWeighted(maxConcurrentDownloads),
	}
}

// CacheDir returns the cache root.
func (s *Store) CacheDir() string {
	return s.cacheDir
}

// repoDir returns the cache directory for a repo id.
func (s *Store) repoDir(repo string) string {
	return filepath.Join(s.cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"))
}

// snapshotDirs returns the snapshot directories of a repo, most recently
// modified first.
func (s *Store) snapshotDirs(repo string) []string {
	root := filepath.Join(s.repoDir(repo), "snapshots")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	type snapshot struct {
		path  string
		mtime int64
	}
	var snapshots []snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot{
			path:  filepath.Join(root, entry.Name()),
			mtime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].mtime > snapshots[j].mtime
	})
	paths := make([]string, len(snapshots))
	for i, snap := range snapshots {
		paths[i] = snap.path
	}
	return paths
}

func isWeightFile(name string) bool {
	for _, ext := range weightExtensions {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return true
		}
	}
	return false
}

// Resolve maps a checkpoint reference to a concrete local file path. It does
// not download. A literal path is returned as-is if it exists; a repo-only
// reference resolves to the single matching artifact; "repo:filename"
// resolves to that file.
func (s *Store) Resolve(reference string) (string, error) {
	ref := ParseRef(reference)
	if ref.Path != "" {
		if _, err := os.Stat(ref.Path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrWeightsMissing, ref.Path)
		}
		return ref.Path, nil
	}

	var matches []string
	for _, snapshot := range s.snapshotDirs(ref.Repo) {
		filepath.WalkDir(snapshot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ref.File != "" {
				if d.Name() == ref.File {
					matches = append(matches, path)
				}
			} else if isWeightFile(d.Name()) {
				matches = append(matches, path)
			}
			return nil
		})
		if len(matches) > 0 {
			break
		}
	}

	switch {
	case len(matches) == 0:
		return "", fmt.Errorf("%w: %s", ErrWeightsMissing, reference)
	case len(matches) > 1 && ref.File == "":
		return "", fmt.Errorf("%w: %s", ErrAmbiguousWeights, reference)
	default:
		return matches[0], nil
	}
}

// Installed reports whether the reference resolves locally.
func (s *Store) Installed(reference string) bool {
	_, err := s.Resolve(reference)
	return err == nil
}

// ListLocal enumerates the artifacts present in the cache.
func (s *Store) ListLocal() []LocalWeight {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return nil
	}
	var result []LocalWeight
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "models--") {
			continue
		}
		repo := strings.Replace(strings.TrimPrefix(entry.Name(), "models--"), "--", "/", 1)
		for _, snapshot := range s.snapshotDirs(repo) {
			filepath.WalkDir(snapshot, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() || !isWeightFile(d.Name()) {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				result = append(result, LocalWeight{
					Repo: repo,
					File: d.Name(),
					Path: path,
					Size: info.Size(),
				})
				return nil
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Repo != result[j].Repo {
			return result[i].Repo < result[j].Repo
		}
		return result[i].File < result[j].File
	})
	return result
}
