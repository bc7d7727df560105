package pipeline

import (
	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/redact"
	"github.com/parabit/memgate/internal/upload"
	"github.com/parabit/memgate/internal/xerrors"
)

// Profile is one deployment preset. Profiles may differ in limit
// values and flag defaults only; the stage order is fixed in code and
// VerifyProfileParity refuses a build where it is not.
type Profile struct {
	Name           string
	Limits         upload.Limits
	FailClosedTier redact.Tier
	Flags          map[string]bool
}

func DevProfile() Profile {
	l := upload.DefaultLimits()
	l.MaxPartBytes = 16 << 20
	l.MaxRequestBytes = 64 << 20
	return Profile{
		Name:           "dev",
		Limits:         l,
		FailClosedTier: redact.TierKey,
		Flags: map[string]bool{
			flags.ArchiveBlocking:     false,
			flags.RedactionFailClosed: false,
		},
	}
}

func StagingProfile() Profile {
	return Profile{
		Name:           "staging",
		Limits:         upload.DefaultLimits(),
		FailClosedTier: redact.TierKey,
		Flags: map[string]bool{
			flags.ArchiveBlocking:     true,
			flags.RedactionFailClosed: true,
		},
	}
}

func ProdProfile() Profile {
	l := upload.DefaultLimits()
	l.MaxParts = 32
	l.MaxPartBytes = 4 << 20
	l.MaxRequestBytes = 16 << 20
	return Profile{
		Name:           "prod",
		Limits:         l,
		FailClosedTier: redact.TierToken,
		Flags: map[string]bool{
			flags.ArchiveBlocking:     true,
			flags.RedactionFailClosed: true,
		},
	}
}

// Profiles lists every preset.
func Profiles() []Profile {
	return []Profile{DevProfile(), StagingProfile(), ProdProfile()}
}

// ProfileByName returns the named preset.
func ProfileByName(name string) (Profile, error) {
	for _, prof := range Profiles() {
		if prof.Name == name {
			return prof, nil
		}
	}
	return Profile{}, xerrors.Newf("unknown profile %q", name)
}

// VerifyProfileParity builds the composition once per profile and
// checks every one fingerprints identically. Run at startup; a
// mismatch means some environment reorders or drops a stage and the
// process must not serve.
func VerifyProfileParity(build func(Profile) *Pipeline) error {
	var refName, refFP string
	for _, prof := range Profiles() {
		fp := build(prof).Fingerprint()
		if refFP == "" {
			refName, refFP = prof.Name, fp
			continue
		}
		if fp != refFP {
			return xerrors.Newf("stage order diverges between profiles %s and %s", refName, prof.Name)
		}
	}
	return nil
}
