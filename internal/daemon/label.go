package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/ariesdockerd/ariesdockerd/internal/token"
)

// BookkeepInfo is the bookkeeping payload carried inside a managed
// container's signed label: {gpuIds, user, timeout}. The label *is* the
// source of truth — this is the daemon's only boot-recovery path, so
// reimplementers must preserve exactly this property (see Core.Scan in
// core.go).
type BookkeepInfo struct {
	GpuIds  []int  `json:"gpuIds"`
	User    string `json:"user"`
	Timeout int    `json:"timeout"`
}

// LabelSigner issues and verifies the opaque label token using the same
// shared-secret signing scheme as connection auth tokens (token.Issuer),
// with kind=daemon and no expiry at all: a container's label must stay
// verifiable for as long as the container exists, which can exceed any
// bounded TTL (including the issuer's own Leeway), so the label is signed
// via IssueNoExpiry rather than Issue.
type LabelSigner struct {
	issuer *token.Issuer
}

func NewLabelSigner(issuer *token.Issuer) *LabelSigner {
	return &LabelSigner{issuer: issuer}
}

// Sign produces the opaque label string for a newly created managed
// container.
func (s *LabelSigner) Sign(info BookkeepInfo) (string, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("daemon: marshal bookkeep info: %w", err)
	}
	// The token issuer only signs a "user" subject string, so the
	// structured payload rides in that field as JSON, inside a
	// kind=daemon token with no expiry.
	return s.issuer.IssueNoExpiry(string(payload), token.KindDaemon)
}

// Verify decodes and verifies a label string, returning the embedded
// bookkeeping info. Invalid or unverifiable labels mean the container is
// unmanaged (or the label was tampered with) and must be skipped by scan,
// never trusted.
func (s *LabelSigner) Verify(label string) (BookkeepInfo, error) {
	claims, err := s.issuer.Verify(label)
	if err != nil {
		return BookkeepInfo{}, err
	}
	var info BookkeepInfo
	if err := json.Unmarshal([]byte(claims.User), &info); err != nil {
		return BookkeepInfo{}, fmt.Errorf("daemon: malformed bookkeep payload: %w", err)
	}
	return info, nil
}
