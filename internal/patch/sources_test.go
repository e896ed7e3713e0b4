package patch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
)

func TestVendorAdvisorySourceFindsPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/advisories/CVE-2026-3333", r.URL.Path)
		json.NewEncoder(w).Encode(advisoryDocument{
			FixedVersion: "3.0.14",
			DownloadURL:  "https://vendor.example/openssl-3.0.14.deb",
			Checksum:     "abcd",
			ReleasedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
	}))
	defer srv.Close()

	s := NewVendorAdvisorySource(zaptest.NewLogger(t), srv.Client(), srv.URL)
	vuln, asset := testVulnAsset()

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "3.0.14", got.Version)
	assert.Equal(t, model.SourceVendorAdvisory, got.Source)
	assert.Equal(t, vuln.ID, got.VulnerabilityID)
}

func TestVendorAdvisorySourceNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewVendorAdvisorySource(zaptest.NewLogger(t), srv.Client(), srv.URL)
	vuln, asset := testVulnAsset()

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVendorAdvisorySourceRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(advisoryDocument{FixedVersion: "1.2.3"})
	}))
	defer srv.Close()

	s := NewVendorAdvisorySource(zaptest.NewLogger(t), srv.Client(), srv.URL)
	vuln, asset := testVulnAsset()

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, attempts)
}

func TestPackageManagerSourceParsesCandidate(t *testing.T) {
	runner := platform.NewFakeRunner()
	runner.Responses["apt-cache policy"] = []byte(
		"openssl:\n  Installed: 3.0.11-1\n  Candidate: 3.0.14\n  Version table:\n")

	s := NewPackageManagerSource(zaptest.NewLogger(t), runner)
	vuln, asset := testVulnAsset()

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "3.0.14", got.Version)
}

func TestPackageManagerSourceRejectsStaleCandidate(t *testing.T) {
	runner := platform.NewFakeRunner()
	runner.Responses["apt-cache policy"] = []byte("Candidate: 3.0.10\n")

	s := NewPackageManagerSource(zaptest.NewLogger(t), runner)
	vuln, asset := testVulnAsset() // FixedIn 3.0.14

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	assert.Nil(t, got, "candidate below the fixed version is no candidate")
}

func TestPackageManagerSourceNoCandidate(t *testing.T) {
	runner := platform.NewFakeRunner()
	runner.Responses["apt-cache policy"] = []byte("Candidate: (none)\n")

	s := NewPackageManagerSource(zaptest.NewLogger(t), runner)
	vuln, asset := testVulnAsset()

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPickFixedTag(t *testing.T) {
	tags := []string{"1.2.0", "latest", "1.2.5", "2.0.0", "dev"}

	assert.Equal(t, "1.2.5", pickFixedTag(tags, "1.2.3"), "smallest tag at or above the fix")
	assert.Equal(t, "2.0.0", pickFixedTag(tags, ""), "highest tag when the fix version is unknown")
	assert.Equal(t, "", pickFixedTag(tags, "3.0.0"), "no tag carries the fix")
	assert.Equal(t, "", pickFixedTag([]string{"latest", "dev"}, "1.0.0"), "non-semver tags are ignored")
}

func TestRegistrySourceFindsFixedTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/cache/tags/list", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"name": "cache",
			"tags": []string{"1.2.2", "1.2.3", "1.3.0"},
		})
	}))
	defer srv.Close()

	s := NewRegistrySource(zaptest.NewLogger(t), srv.Client(), srv.URL)
	vuln := &model.Vulnerability{ID: "CVE-2026-4444", FixedIn: "1.2.3"}
	asset := &model.Asset{
		ID:        "a2",
		Platform:  model.PlatformContainer,
		Container: &model.ContainerLocator{ContainerID: "c1", Image: "cache:1.2.2"},
	}

	got, err := s.Find(context.Background(), vuln, asset)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.2.3", got.Version)
}
