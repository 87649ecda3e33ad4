package migration

import (
	"context"
	"fmt"

	"github.com/jmagar/transdock/internal/checksum"
	"github.com/jmagar/transdock/internal/remote"
)

type VerificationStatus string

const (
	Verified  VerificationStatus = "verified"
	Corrupted VerificationStatus = "corrupted"
)

// VerificationResult carries the verdict plus the full diff for the job
// record.
type VerificationResult struct {
	Status VerificationStatus `json:"status"`
	Diff   checksum.Diff      `json:"diff"`
}

// Verifier checks a transferred root against the manifest captured from
// the source before transfer.
type Verifier struct {
	manifests *checksum.Store
}

func NewVerifier(manifests *checksum.Store) *Verifier {
	return &Verifier{manifests: manifests}
}

// Verify regenerates a manifest over destRoot on the destination host and
// compares it with the stored source manifest. Any mismatched or missing
// entry is corruption; extra files are reported but do not fail the
// verdict.
func (v *Verifier) Verify(ctx context.Context, exec remote.Executor, manifestRef, destRoot string) (VerificationResult, error) {
	want, err := v.manifests.Load(manifestRef)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("load manifest %s: %w", manifestRef, err)
	}
	got, err := checksum.GenerateOver(ctx, exec, destRoot)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("checksum destination %s: %w", destRoot, err)
	}
	diff := checksum.Compare(want, got)
	res := VerificationResult{Status: Verified, Diff: diff}
	if len(diff.Mismatched) > 0 || len(diff.Missing) > 0 {
		res.Status = Corrupted
	}
	return res, nil
}
