// Package installer ensures backend executables matching a requested
// (family, accelerator variant, version) triple exist on disk.
//
// Install layout: <cache>/backends/<family>/<variant>-<version>/ holds the
// extracted release archive; a manifest at <cache>/backends/installed.json
// records the resolved executable paths across restarts.
package installer

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

var (
	// ErrUnsupportedPlatform indicates that the (OS, variant) combination is
	// not in the supported set for the family.
	ErrUnsupportedPlatform = errors.New("unsupported platform for backend")
	// ErrSystemBinaryMissing indicates that the "system" variant was
	// requested but the executable is not on PATH.
	ErrSystemBinaryMissing = errors.New("system backend binary not found on PATH")
)

// InstallError wraps a download or extraction failure.
type InstallError struct {
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend install failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("backend install failed: %s", e.Reason)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Spec identifies one backend executable.
type Spec struct {
	Family inference.Family `json:"family"`
	// Variant is the accelerator variant: "vulkan", "rocm", "metal", "cpu"
	// or "system".
	Variant string `json:"variant"`
	// Version is the release tag of the backend binary.
	Version string `json:"version"`
}

func (s Spec) key() string {
	return fmt.Sprintf("%s/%s-%s", s.Family, s.Variant, s.Version)
}

// VariantSystem locates the backend on the host PATH instead of installing.
const VariantSystem = "system"

// manifestFile records installed executable paths under the backends cache.
const manifestFile = "installed.json"

// progressLogInterval throttles byte-level download progress logging.
const progressLogInterval = 2 * time.Second

// Installer downloads, extracts and version-checks backend executables.
// Concurrent Ensure calls for the same spec coalesce into one installation.
type Installer struct {
	log        logging.Logger
	cacheDir   string
	httpClient *http.Client

	group singleflight.Group

	mu        sync.Mutex
	installed map[string]string
}

// New creates an installer rooted at <cacheDir>/backends.
func New(log logging.Logger, cacheDir string, httpClient *http.Client) *Installer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	i := &Installer{
		log:        log,
		cacheDir:   filepath.Join(cacheDir, "backends"),
		httpClient: httpClient,
		installed:  make(map[string]string),
	}
	i.loadManifest()
	return i
}

func (i *Installer) loadManifest() {
	data, err := os.ReadFile(filepath.Join(i.cacheDir, manifestFile))
	if err != nil {
		return
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		i.log.Warnf("Ignoring corrupt backend install manifest: %v", err)
		return
	}
	for key, path := range manifest {
		if _, err := os.Stat(path); err == nil {
			i.installed[key] = path
		}
	}
}

// saveManifestLocked persists the install map. The caller must hold i.mu.
func (i *Installer) saveManifestLocked() {
	data, err := json.MarshalIndent(i.installed, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(i.cacheDir, 0o755); err != nil {
		return
	}
	tmp := filepath.Join(i.cacheDir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, filepath.Join(i.cacheDir, manifestFile)); err != nil {
		i.log.Warnf("Failed to persist backend install manifest: %v", err)
	}
}

// Ensure returns the path of an executable satisfying the spec, installing it
// if missing.
func (i *Installer) Ensure(ctx context.Context, spec Spec) (string, error) {
	if spec.Variant == VariantSystem {
		path, err := exec.LookPath(executableName(spec.Family))
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrSystemBinaryMissing, executableName(spec.Family))
		}
		return path, nil
	}

	if !variantSupported(spec.Family, runtime.GOOS, spec.Variant) {
		return "", fmt.Errorf("%w: %s/%s on %s", ErrUnsupportedPlatform, spec.Family, spec.Variant, runtime.GOOS)
	}

	i.mu.Lock()
	if path, ok := i.installed[spec.key()]; ok {
		i.mu.Unlock()
		return path, nil
	}
	i.mu.Unlock()

	result, err, _ := i.group.Do(spec.key(), func() (interface{}, error) {
		return i.install(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Installed reports the path of an already-installed spec, if any.
func (i *Installer) Installed(spec Spec) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	path, ok := i.installed[spec.key()]
	return path, ok
}

// States returns a snapshot of the install manifest for diagnostics.
func (i *Installer) States() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	states := make(map[string]string, len(i.installed))
	for key, path := range i.installed {
		states[key] = path
	}
	return states
}

func (i *Installer) install(ctx context.Context, spec Spec) (string, error) {
	targetDir := filepath.Join(i.cacheDir, string(spec.Family), spec.Variant+"-"+spec.Version)

	// A previous partial install leaves the directory without a manifest
	// entry; start clean.
	if err := os.RemoveAll(targetDir); err != nil {
		return "", &InstallError{Reason: "clearing install directory", Err: err}
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", &InstallError{Reason: "creating install directory", Err: err}
	}

	url, err := archiveURL(spec)
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(targetDir, "release.zip")
	i.log.Infof("Installing %s backend (%s %s) from %s", spec.Family, spec.Variant, spec.Version, url)
	if err := i.downloadArchive(ctx, url, archivePath); err != nil {
		os.RemoveAll(targetDir)
		return "", &InstallError{Reason: "downloading release archive", Err: err}
	}
	if err := extractZip(archivePath, targetDir); err != nil {
		os.RemoveAll(targetDir)
		return "", &InstallError{Reason: "extracting release archive", Err: err}
	}
	os.Remove(archivePath)

	exePath, err := findExecutable(targetDir, executableName(spec.Family))
	if err != nil {
		os.RemoveAll(targetDir)
		return "", &InstallError{Reason: "locating executable in archive", Err: err}
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(exePath, 0o755); err != nil {
			os.RemoveAll(targetDir)
			return "", &InstallError{Reason: "marking executable", Err: err}
		}
	}

	i.mu.Lock()
	i.installed[spec.key()] = exePath
	i.saveManifestLocked()
	i.mu.Unlock()

	i.log.Infof("Installed %s backend at %s", spec.Family, exePath)
	return exePath, nil
}

func (i *Installer) downloadArchive(ctx context.Context, url, target string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := i.httpClient.Do(request)
	if err != nil {
		return pkgerrors.Wrap(err, "requesting archive")
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return pkgerrors.Errorf("unexpected status %d", response.StatusCode)
	}

	out, err := os.Create(target)
	if err != nil {
		return pkgerrors.Wrap(err, "creating archive file")
	}
	defer out.Close()

	var downloaded int64
	lastLog := time.Now()
	buf := make([]byte, 1<<20)
	for {
		n, readErr := response.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return pkgerrors.Wrap(err, "writing archive")
			}
			downloaded += int64(n)
			if now := time.Now(); now.Sub(lastLog) >= progressLogInterval {
				lastLog = now
				if total := response.ContentLength; total > 0 {
					i.log.Infof("Downloading backend archive: %.1f%% (%d/%d bytes)",
						float64(downloaded)*100/float64(total), downloaded, total)
				} else {
					i.log.Infof("Downloading backend archive: %d bytes", downloaded)
				}
			}
		}
		if readErr == io.EOF {
			return out.Sync()
		}
		if readErr != nil {
			return pkgerrors.Wrap(readErr, "reading archive")
		}
	}
}

func extractZip(archivePath, targetDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		// Reject entries escaping the target directory.
		path := filepath.Join(targetDir, filepath.FromSlash(file.Name))
		if !strings.HasPrefix(path, filepath.Clean(targetDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes target directory: %s", file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// findExecutable locates the named executable in the extracted tree. Release
// archives place it either at the root or under build/bin.
func findExecutable(root, name string) (string, error) {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	candidates := []string{
		filepath.Join(root, name),
		filepath.Join(root, "build", "bin", name),
		filepath.Join(root, "bin", name),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	// Fall back to a walk for archives with an extra top-level directory.
	var found string
	filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() || found != "" {
			return nil
		}
		if entry.Name() == name {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("executable %s not present in archive", name)
	}
	return found, nil
}
