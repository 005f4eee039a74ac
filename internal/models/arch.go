package models

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture is a CPU architecture in the spelling qemu and rpm use.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
)

// SupportedArchitectures lists every architecture a target may name.
func SupportedArchitectures() []Architecture {
	return []Architecture{X86_64, I686, AArch64, ARMV7L, PPC64LE, S390X}
}

// ParseArch returns the canonical architecture for value, accepting the
// Debian and Go spellings as aliases.
func ParseArch(value string) (Architecture, error) {
	if a := NormalizeArch(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedArchStrings(), ", "))
}

// NormalizeArch maps value onto a canonical architecture, or "" when it
// names none.
func NormalizeArch(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(S390X):
		return S390X
	default:
		return ""
	}
}

func supportedArchStrings() []string {
	all := SupportedArchitectures()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}
