package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

// PackageType is the packaging format a build produces.
type PackageType string

const (
	PackageDeb PackageType = "deb"
	PackageRPM PackageType = "rpm"
)

// RepositoryStampKey is the stamp recorded once the shared package repository exists.
const RepositoryStampKey = "repository"

// BuildTarget identifies one requested package build. It is a value: two
// targets with equal fields refer to the same build.
type BuildTarget struct {
	PackageType PackageType `json:"package_type" yaml:"package_type"`
	Distro      string      `json:"distro" yaml:"distro"`
	Release     string      `json:"release" yaml:"release"`
	Arch        string      `json:"arch" yaml:"arch"`
	Flavor      string      `json:"flavor" yaml:"flavor"`
	Revision    string      `json:"revision" yaml:"revision"`
}

// Validate rejects targets whose fields cannot be used in stamp paths or
// instance names.
func (t BuildTarget) Validate() error {
	switch t.PackageType {
	case PackageDeb, PackageRPM:
	case "":
		return errors.New("package type is required")
	default:
		return fmt.Errorf("unsupported package type %q", t.PackageType)
	}

	fields := []struct {
		name  string
		value string
	}{
		{"distro", t.Distro},
		{"release", t.Release},
		{"arch", t.Arch},
		{"flavor", t.Flavor},
		{"revision", t.Revision},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if strings.ContainsAny(f.value, "/\\ \t\n") || f.value == "." || f.value == ".." {
			return fmt.Errorf("%s %q contains characters not allowed in a target", f.name, f.value)
		}
	}
	return nil
}

// DistroRelease joins distro and release the way build scripts and image
// names expect them, e.g. "ubuntu-22.04".
func (t BuildTarget) DistroRelease() string {
	return t.Distro + "-" + t.Release
}

// StampKey is the relative stamp path recording that this target was built.
func (t BuildTarget) StampKey() string {
	return path.Join("packages", string(t.PackageType), t.Arch, t.DistroRelease(), t.Flavor, t.Revision)
}

// InstanceName is the cloud instance name used for this target's build agent.
// The trailing digest of the stamp key keeps names of distinct targets apart
// even when their short revisions match.
func (t BuildTarget) InstanceName() string {
	sum := sha256.Sum256([]byte(t.StampKey()))
	return strings.Join([]string{
		shortRevision(t.Revision), string(t.PackageType), t.DistroRelease(), t.Arch, t.Flavor,
		hex.EncodeToString(sum[:4]),
	}, "-")
}

// ScriptName is the build script that knows how to produce this package type.
func (t BuildTarget) ScriptName() string {
	return "make-" + string(t.PackageType) + ".sh"
}

func (t BuildTarget) String() string {
	return fmt.Sprintf("%s:%s/%s/%s@%s", t.PackageType, t.DistroRelease(), t.Arch, t.Flavor, shortRevision(t.Revision))
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
