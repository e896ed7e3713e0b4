package patch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/model"
	"github.com/kagehara/remedy/internal/platform"
)

// Source is one trusted patch origin. Find returns (nil, nil) when the
// source has no candidate for the vulnerability.
type Source interface {
	Kind() model.PatchSourceKind
	Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error)
}

// advisoryDocument is the vendor advisory API response shape.
type advisoryDocument struct {
	FixedVersion string    `json:"fixed_version"`
	DownloadURL  string    `json:"download_url"`
	Checksum     string    `json:"checksum"`
	Signature    string    `json:"signature"` // base64
	ReleasedAt   time.Time `json:"released_at"`
}

// VendorAdvisorySource queries a vendor advisory API over HTTP. Transient
// failures are retried with exponential backoff inside the caller's
// deadline.
type VendorAdvisorySource struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

// NewVendorAdvisorySource creates the source. client may be nil.
func NewVendorAdvisorySource(logger *zap.Logger, client *http.Client, baseURL string) *VendorAdvisorySource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &VendorAdvisorySource{logger: logger, client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *VendorAdvisorySource) Kind() model.PatchSourceKind { return model.SourceVendorAdvisory }

func (s *VendorAdvisorySource) Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	if s.baseURL == "" {
		return nil, nil
	}
	url := fmt.Sprintf("%s/advisories/%s", s.baseURL, vuln.ID)

	var doc *advisoryDocument
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil // no advisory, not an error
		case resp.StatusCode >= 500:
			return fmt.Errorf("advisory API status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("advisory API status %d", resp.StatusCode))
		}

		var d advisoryDocument
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return backoff.Permanent(fmt.Errorf("decode advisory: %w", err))
		}
		doc = &d
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("vendor advisory lookup: %w", err)
	}
	if doc == nil || doc.FixedVersion == "" {
		return nil, nil
	}

	var signature []byte
	if doc.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(doc.Signature)
		if err != nil {
			return nil, fmt.Errorf("decode advisory signature: %w", err)
		}
		signature = sig
	}

	return &model.Patch{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		Source:          model.SourceVendorAdvisory,
		SourceName:      s.baseURL,
		Version:         doc.FixedVersion,
		DownloadURL:     doc.DownloadURL,
		Checksum:        doc.Checksum,
		Signature:       signature,
		ReleasedAt:      doc.ReleasedAt,
	}, nil
}

var policyCandidateRe = regexp.MustCompile(`Candidate:\s*(\S+)`)

// PackageManagerSource asks the OS package manager for the candidate
// version of the vulnerable package.
type PackageManagerSource struct {
	logger *zap.Logger
	runner platform.CommandRunner
}

// NewPackageManagerSource creates the source.
func NewPackageManagerSource(logger *zap.Logger, runner platform.CommandRunner) *PackageManagerSource {
	if runner == nil {
		runner = platform.NewExecRunner(logger)
	}
	return &PackageManagerSource{logger: logger, runner: runner}
}

func (s *PackageManagerSource) Kind() model.PatchSourceKind { return model.SourcePackageManager }

func (s *PackageManagerSource) Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	if vuln.Package == "" {
		return nil, nil
	}
	out, err := s.runner.Run(ctx, "apt-cache", "policy", vuln.Package)
	if err != nil {
		return nil, fmt.Errorf("package manager query: %w", err)
	}
	m := policyCandidateRe.FindSubmatch(out)
	if m == nil {
		return nil, nil
	}
	candidate := string(m[1])
	if candidate == "(none)" {
		return nil, nil
	}

	// When the fixed version is known and both parse, the candidate must
	// actually contain the fix.
	if vuln.FixedIn != "" {
		cv, errC := semver.NewVersion(candidate)
		fv, errF := semver.NewVersion(vuln.FixedIn)
		if errC == nil && errF == nil && cv.LessThan(fv) {
			s.logger.Debug("Package manager candidate predates fix",
				zap.String("package", vuln.Package),
				zap.String("candidate", candidate),
				zap.String("fixed_in", vuln.FixedIn),
			)
			return nil, nil
		}
	}

	return &model.Patch{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		Source:          model.SourcePackageManager,
		SourceName:      "apt",
		Version:         candidate,
	}, nil
}

// RegistrySource searches a container registry's tag list for the smallest
// version carrying the fix.
type RegistrySource struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
}

// NewRegistrySource creates the source. client may be nil.
func NewRegistrySource(logger *zap.Logger, client *http.Client, baseURL string) *RegistrySource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RegistrySource{logger: logger, client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *RegistrySource) Kind() model.PatchSourceKind { return model.SourceContainerRegistry }

func (s *RegistrySource) Find(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	if s.baseURL == "" || asset.Container == nil || asset.Container.Image == "" {
		return nil, nil
	}
	repo := asset.Container.Image
	if i := strings.LastIndex(repo, ":"); i > 0 {
		repo = repo[:i]
	}

	url := fmt.Sprintf("%s/v2/%s/tags/list", s.baseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry tag search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry status %d", resp.StatusCode)
	}

	var tags struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tag list: %w", err)
	}

	candidate := pickFixedTag(tags.Tags, vuln.FixedIn)
	if candidate == "" {
		return nil, nil
	}
	return &model.Patch{
		ID:              uuid.NewString(),
		VulnerabilityID: vuln.ID,
		Source:          model.SourceContainerRegistry,
		SourceName:      s.baseURL,
		Version:         candidate,
		DownloadURL:     fmt.Sprintf("%s/%s:%s", s.baseURL, repo, candidate),
	}, nil
}

// pickFixedTag returns the smallest semver tag at or above fixedIn, or the
// highest tag when fixedIn is unknown. Non-semver tags are ignored.
func pickFixedTag(tags []string, fixedIn string) string {
	type parsed struct {
		raw string
		v   *semver.Version
	}
	var versions []parsed
	for _, t := range tags {
		if v, err := semver.NewVersion(t); err == nil {
			versions = append(versions, parsed{raw: t, v: v})
		}
	}
	if len(versions) == 0 {
		return ""
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].v.LessThan(versions[j].v) })

	if fixedIn == "" {
		return versions[len(versions)-1].raw
	}
	fv, err := semver.NewVersion(fixedIn)
	if err != nil {
		return versions[len(versions)-1].raw
	}
	for _, p := range versions {
		if !p.v.LessThan(fv) {
			return p.raw
		}
	}
	return ""
}
