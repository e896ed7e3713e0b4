// Package patch locates fix candidates across trusted sources and verifies
// them before anything touches a production asset.
package patch

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagehara/remedy/internal/common"
	"github.com/kagehara/remedy/internal/config"
	"github.com/kagehara/remedy/internal/model"
)

// Engine performs multi-source patch lookup and verification.
type Engine struct {
	logger  *zap.Logger
	cfg     config.PatchConfig
	clock   common.Clock
	sources map[model.PatchSourceKind]Source

	signingKey ed25519.PublicKey

	// Per-source outcome history; influences future source ordering.
	statsMu sync.Mutex
	stats   map[model.PatchSourceKind]*sourceStats
}

type sourceStats struct {
	attempts  int
	successes int
}

func (s *sourceStats) rate() float64 {
	if s.attempts == 0 {
		return 0.5 // neutral until history exists
	}
	return float64(s.successes) / float64(s.attempts)
}

// NewEngine creates a patch engine over the given sources. Sources not in
// the configured allow-list are never consulted, whatever is registered.
func NewEngine(logger *zap.Logger, cfg config.PatchConfig, clock common.Clock, sources ...Source) (*Engine, error) {
	if clock == nil {
		clock = common.SystemClock()
	}
	e := &Engine{
		logger:  logger,
		cfg:     cfg,
		clock:   clock,
		sources: make(map[model.PatchSourceKind]Source),
		stats:   make(map[model.PatchSourceKind]*sourceStats),
	}
	for _, s := range sources {
		e.sources[s.Kind()] = s
	}

	if cfg.VerifySignatures {
		key, err := loadSigningKey(cfg.SigningKeyPath)
		if err != nil {
			return nil, common.Classify(err, common.CategoryValidation, common.SeverityCritical)
		}
		e.signingKey = key
	}
	return e, nil
}

// FindPatch tries the allow-listed sources in priority order, reordered by
// historical success rate, and returns the first candidate. No candidate
// anywhere yields common.ErrNoPatchFound.
func (e *Engine) FindPatch(ctx context.Context, vuln *model.Vulnerability, asset *model.Asset) (*model.Patch, error) {
	if vuln == nil || asset == nil {
		return nil, common.ErrNilInput
	}

	ctx, cancel := context.WithTimeout(ctx, e.lookupTimeout())
	defer cancel()

	for _, kind := range e.sourceOrder() {
		src, ok := e.sources[kind]
		if !ok {
			e.logger.Warn("Trusted source has no registered implementation",
				zap.String("source", string(kind)),
			)
			continue
		}

		candidate, err := src.Find(ctx, vuln, asset)
		if err != nil {
			// A failing source never aborts the search; lower-priority
			// sources may still hold the fix.
			e.logger.Warn("Patch source lookup failed",
				zap.String("source", string(kind)),
				zap.String("vulnerability", vuln.ID),
				zap.Error(err),
			)
			continue
		}
		if candidate != nil {
			e.logger.Info("Patch candidate found",
				zap.String("source", string(kind)),
				zap.String("vulnerability", vuln.ID),
				zap.String("version", candidate.Version),
			)
			return candidate, nil
		}
	}

	return nil, common.Classify(
		fmt.Errorf("%w: %s", common.ErrNoPatchFound, vuln.ID),
		common.CategoryPatchAcquisition, common.SeverityMedium,
	)
}

// VerifyPatch validates a candidate against its downloaded artifact.
// Checksum mismatch is fatal; signature failure is fatal when signature
// verification is enabled; insufficient maturity only raises a warning and
// marks the patch, it never fails verification.
func (e *Engine) VerifyPatch(patch *model.Patch, artifact []byte) (bool, error) {
	if patch == nil {
		return false, common.ErrNilInput
	}

	if patch.Checksum != "" {
		sum := sha256.Sum256(artifact)
		if hex.EncodeToString(sum[:]) != patch.Checksum {
			return false, common.Classify(
				fmt.Errorf("%w: patch %s", common.ErrChecksumMismatch, patch.ID),
				common.CategoryPatchVerification, common.SeverityCritical,
			)
		}
	}

	if e.cfg.VerifySignatures {
		if len(patch.Signature) == 0 || !ed25519.Verify(e.signingKey, artifact, patch.Signature) {
			return false, common.Classify(
				fmt.Errorf("%w: patch %s", common.ErrSignatureInvalid, patch.ID),
				common.CategoryPatchVerification, common.SeverityCritical,
			)
		}
	}

	if age := patch.AgeDays(e.clock.Now()); age < e.cfg.MaturityThresholdDays {
		patch.MaturityWarning = true
		e.logger.Warn("Patch younger than maturity threshold",
			zap.String("patch", patch.ID),
			zap.Int("age_days", age),
			zap.Int("threshold_days", e.cfg.MaturityThresholdDays),
		)
	}

	patch.Verified = true
	return true, nil
}

// RecordOutcome feeds a real-world application result back into the source
// ordering statistics and the patch's own running stats.
func (e *Engine) RecordOutcome(patch *model.Patch, succeeded bool) {
	if patch == nil {
		return
	}
	patch.RecordApplication(succeeded)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	st, ok := e.stats[patch.Source]
	if !ok {
		st = &sourceStats{}
		e.stats[patch.Source] = st
	}
	st.attempts++
	if succeeded {
		st.successes++
	}
}

// sourceOrder returns the allow-list sorted by historical success rate,
// falling back to configured priority order for ties.
func (e *Engine) sourceOrder() []model.PatchSourceKind {
	order := make([]model.PatchSourceKind, 0, len(e.cfg.TrustedSources))
	for _, s := range e.cfg.TrustedSources {
		order = append(order, model.PatchSourceKind(s))
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	sort.SliceStable(order, func(i, j int) bool {
		ri, rj := 0.5, 0.5
		if st, ok := e.stats[order[i]]; ok {
			ri = st.rate()
		}
		if st, ok := e.stats[order[j]]; ok {
			rj = st.rate()
		}
		return ri > rj
	})
	return order
}

func (e *Engine) lookupTimeout() time.Duration {
	if e.cfg.LookupTimeout > 0 {
		return e.cfg.LookupTimeout
	}
	return 30 * time.Second
}

func loadSigningKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block != nil {
		data = block.Bytes
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing key has %d bytes, want %d", len(data), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(data), nil
}
