package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-server/pkg/inference"
	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// zipWithFiles builds an in-memory zip archive.
func zipWithFiles(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

// testInstaller points archive downloads at a local server by swapping the
// HTTP client transport.
type rewriteTransport struct {
	server *httptest.Server
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewritten := req.Clone(req.Context())
	rewritten.URL.Scheme = "http"
	rewritten.URL.Host = rt.server.Listener.Addr().String()
	return http.DefaultTransport.RoundTrip(rewritten)
}

func TestEnsureInstallsAndRecords(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("archive fixture uses POSIX executable names")
	}
	archive := zipWithFiles(t, map[string]string{
		"build/bin/llama-server": "#!/bin/sh\n",
		"README.md":              "release notes",
	})
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(archive)
	}))
	defer server.Close()

	dir := t.TempDir()
	client := &http.Client{Transport: &rewriteTransport{server: server}}
	inst := New(logging.Discard(), dir, client)

	spec := Spec{Family: inference.FamilyLlamaCpp, Variant: VariantCPU, Version: "b5787"}
	path, err := inst.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Contains(t, path, filepath.Join("backends", "llamacpp", "cpu-b5787"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "binary must be executable")

	// Second Ensure is served from the manifest without another download.
	again, err := inst.Ensure(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.EqualValues(t, 1, hits.Load())

	// A fresh installer over the same cache reads the persisted manifest.
	reloaded := New(logging.Discard(), dir, client)
	cached, ok := reloaded.Installed(spec)
	assert.True(t, ok)
	assert.Equal(t, path, cached)
}

func TestEnsureCleansUpOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dir := t.TempDir()
	client := &http.Client{Transport: &rewriteTransport{server: server}}
	inst := New(logging.Discard(), dir, client)

	spec := Spec{Family: inference.FamilyLlamaCpp, Variant: VariantCPU, Version: "b5787"}
	_, err := inst.Ensure(context.Background(), spec)
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)

	// No partial files left behind.
	_, statErr := os.Stat(filepath.Join(dir, "backends", "llamacpp", "cpu-b5787"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureRejectsUnsupportedVariant(t *testing.T) {
	inst := New(logging.Discard(), t.TempDir(), nil)
	_, err := inst.Ensure(context.Background(), Spec{
		Family:  inference.FamilyTTS,
		Variant: VariantROCm,
		Version: "v0.2.1",
	})
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestEnsureSystemVariantMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	inst := New(logging.Discard(), t.TempDir(), nil)
	_, err := inst.Ensure(context.Background(), Spec{
		Family:  inference.FamilyLlamaCpp,
		Variant: VariantSystem,
	})
	assert.ErrorIs(t, err, ErrSystemBinaryMissing)
}

func TestSelectPreferredVariantOverride(t *testing.T) {
	inst := New(logging.Discard(), t.TempDir(), nil)

	variant, err := inst.SelectPreferredVariant(inference.FamilyLlamaCpp, VariantCPU)
	require.NoError(t, err)
	assert.Equal(t, VariantCPU, variant)

	_, err = inst.SelectPreferredVariant(inference.FamilyLlamaCpp, "cuda")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestSelectPreferredVariantFallsBackToCPU(t *testing.T) {
	// With no accelerators visible and an empty PATH, CPU must win.
	t.Setenv("PATH", t.TempDir())
	t.Setenv(PreferSystemEnv, "")
	inst := New(logging.Discard(), t.TempDir(), nil)

	variant, err := inst.SelectPreferredVariant(inference.FamilyTTS, "")
	require.NoError(t, err)
	assert.Equal(t, VariantCPU, variant)
}

func TestVariantSupportedTable(t *testing.T) {
	assert.True(t, variantSupported(inference.FamilyLlamaCpp, "linux", VariantVulkan))
	assert.True(t, variantSupported(inference.FamilyLlamaCpp, "darwin", VariantMetal))
	assert.False(t, variantSupported(inference.FamilyLlamaCpp, "darwin", VariantVulkan))
	assert.False(t, variantSupported(inference.FamilyFLM, "linux", VariantCPU))
}

func TestArchiveURLShapes(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("URL fixtures assume linux")
	}
	url, err := archiveURL(Spec{Family: inference.FamilyLlamaCpp, Variant: VariantVulkan, Version: "b5787"})
	require.NoError(t, err)
	assert.Equal(t,
		"https://github.com/ggml-org/llama.cpp/releases/download/b5787/llama-b5787-bin-ubuntu-vulkan-x64.zip",
		url)
}
