package weights

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	// downloadAttempts is the number of tries for a single artifact before
	// DownloadError is surfaced.
	downloadAttempts = 3
	// downloadBackoffBase is the initial retry delay; it doubles per attempt
	// and is capped at downloadBackoffCap.
	downloadBackoffBase = 1 * time.Second
	downloadBackoffCap  = 30 * time.Second
	// progressLogInterval throttles byte-level progress logging.
	progressLogInterval = 2 * time.Second
)

// DownloadError wraps a terminal download failure.
type DownloadError struct {
	Reference string
	Err       error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed: %v", e.Reference, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Progress reports byte-level transfer progress.
type Progress struct {
	File       string `json:"file"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
}

// ProgressFunc receives progress updates during a download. It may be nil.
type ProgressFunc func(Progress)

// Download ensures the referenced artifact is present locally and returns its
// path. Concurrent calls for the same reference coalesce into one transfer;
// the total number of simultaneous transfers is bounded. A reference that
// already resolves locally returns promptly without network traffic.
func (s *Store) Download(ctx context.Context, reference string, progress ProgressFunc) (string, error) {
	if path, err := s.Resolve(reference); err == nil {
		return path, nil
	}

	result, err, _ := s.group.Do(reference, func() (interface{}, error) {
		if err := s.downloads.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.downloads.Release(1)
		return s.download(ctx, reference, progress)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Store) download(ctx context.Context, reference string, progress ProgressFunc) (string, error) {
	ref := ParseRef(reference)
	if ref.Path != "" {
		return "", &DownloadError{Reference: reference, Err: ErrWeightsMissing}
	}

	files := []string{ref.File}
	if ref.File == "" {
		listed, err := s.listRepoFiles(ctx, ref.Repo)
		if err != nil {
			return "", &DownloadError{Reference: reference, Err: err}
		}
		files = files[:0]
		for _, name := range listed {
			if isWeightFile(name) {
				files = append(files, name)
			}
		}
		if len(files) == 0 {
			return "", &DownloadError{Reference: reference, Err: ErrWeightsMissing}
		}
		if len(files) > 1 {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousWeights, reference)
		}
	}

	snapshot := filepath.Join(s.repoDir(ref.Repo), "snapshots", "main")
	if err := os.MkdirAll(snapshot, 0o755); err != nil {
		return "", &DownloadError{Reference: reference, Err: err}
	}

	var path string
	for _, file := range files {
		target := filepath.Join(snapshot, file)
		if _, err := os.Stat(target); err == nil {
			path = target
			continue
		}
		if err := s.fetchFile(ctx, ref.Repo, file, target, progress); err != nil {
			return "", &DownloadError{Reference: reference, Err: err}
		}
		path = target
	}
	return path, nil
}

// listRepoFiles asks the hub for the artifact names of a repo.
func (s *Store) listRepoFiles(ctx context.Context, repo string) ([]string, error) {
	url := fmt.Sprintf("%s/api/models/%s", s.endpoint, repo)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, errors.Wrap(err, "listing repo files")
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, errors.Errorf("listing repo files: unexpected status %d", response.StatusCode)
	}
	var info struct {
		Siblings []struct {
			Rfilename string `json:"rfilename"`
		} `json:"siblings"`
	}
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return nil, errors.Wrap(err, "decoding repo file list")
	}
	names := make([]string, 0, len(info.Siblings))
	for _, sibling := range info.Siblings {
		names = append(names, sibling.Rfilename)
	}
	return names, nil
}

// fetchFile downloads one artifact with retries and exponential backoff,
// writing to a temp file that is renamed into place only on success.
func (s *Store) fetchFile(ctx context.Context, repo, file, target string, progress ProgressFunc) error {
	url := fmt.Sprintf("%s/%s/resolve/main/%s", s.endpoint, repo, file)
	backoff := downloadBackoffBase

	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			s.log.Warnf("Retrying download of %s/%s in %s (attempt %d/%d): %v",
				repo, file, backoff, attempt+1, downloadAttempts, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, downloadBackoffCap)
		}
		if lastErr = s.fetchOnce(ctx, url, file, target, progress); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *Store) fetchOnce(ctx context.Context, url, file, target string, progress ProgressFunc) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return errors.Wrap(err, "requesting artifact")
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d for %s", response.StatusCode, url)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".download.*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	reader := &progressReader{
		log:      s.log,
		reader:   response.Body,
		file:     file,
		total:    response.ContentLength,
		progress: progress,
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		return errors.Wrap(err, "transferring artifact")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.Wrap(err, "finalizing artifact")
	}
	s.log.Infof("Downloaded %s (%d bytes)", target, reader.downloaded)
	return nil
}

// progressReader logs byte-level progress and forwards updates to the
// caller's ProgressFunc.
type progressReader struct {
	log        interface{ Infof(string, ...interface{}) }
	reader     io.Reader
	file       string
	total      int64
	downloaded int64
	progress   ProgressFunc
	lastLog    time.Time
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.downloaded += int64(n)
	if now := time.Now(); now.Sub(r.lastLog) >= progressLogInterval {
		r.lastLog = now
		if r.total > 0 {
			r.log.Infof("Downloading %s: %.1f%% (%d/%d bytes)",
				r.file, float64(r.downloaded)*100/float64(r.total), r.downloaded, r.total)
		} else {
			r.log.Infof("Downloading %s: %d bytes", r.file, r.downloaded)
		}
	}
	if r.progress != nil {
		r.progress(Progress{File: r.file, Downloaded: r.downloaded, Total: r.total})
	}
	return n, err
}
