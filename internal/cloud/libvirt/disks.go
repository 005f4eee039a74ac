package libvirt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/cochaviz/crate/internal/models"

	"github.com/kdomanski/iso9660"
)

// seedVolumeLabel is the label cloud-init's NoCloud datasource looks for.
const seedVolumeLabel = "cidata"

type domainTemplateData struct {
	Name     string
	OwnerTag string
	Image    string
	VirtType string
	Arch     string
	MemoryMB int
	VCPUs    int
	Overlay  string
	Seed     string
	Network  string
}

func ensureRunDirectory(dir string) (string, error) {
	if dir == "" {
		return "", errors.New("run directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve run directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create run directory %q: %w", abs, err)
	}
	return abs, nil
}

var qemuImgPath = func() (string, error) {
	return exec.LookPath("qemu-img")
}

// createDiskOverlay creates a copy-on-write qcow2 layer over baseImagePath so
// the base image is never written to.
func createDiskOverlay(ctx context.Context, baseImagePath, overlayPath string) (string, error) {
	baseAbs, err := filepath.Abs(baseImagePath)
	if err != nil {
		return "", fmt.Errorf("resolve base image path %q: %w", baseImagePath, err)
	}
	if _, err := os.Stat(baseAbs); err != nil {
		return "", fmt.Errorf("stat base image %q: %w", baseAbs, err)
	}

	overlayAbs, err := filepath.Abs(overlayPath)
	if err != nil {
		return "", fmt.Errorf("resolve overlay path %q: %w", overlayPath, err)
	}
	if err := os.Remove(overlayAbs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove existing overlay %q: %w", overlayAbs, err)
	}

	qemuImg, err := qemuImgPath()
	if err != nil {
		return "", fmt.Errorf("qemu-img not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", "qcow2", "-F", "qcow2", "-b", baseAbs, overlayAbs)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("create overlay with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return overlayAbs, nil
}

// writeSeedISO writes a NoCloud seed image carrying the instance's user-data
// and a meta-data document naming it.
func writeSeedISO(imagePath string, spec models.InstanceSpec) (string, error) {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	userData := spec.UserData
	if len(userData) == 0 {
		userData = []byte("#cloud-config\n")
	}
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", spec.Name, spec.Name)

	if err := writer.AddFile(bytes.NewReader(userData), "user-data"); err != nil {
		return "", fmt.Errorf("stage user-data: %w", err)
	}
	if err := writer.AddFile(strings.NewReader(metaData), "meta-data"); err != nil {
		return "", fmt.Errorf("stage meta-data: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return "", fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return "", fmt.Errorf("finalize iso: %w", err)
	}
	return imagePath, nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}

	tmpl, err := template.New("domain").Option("missingkey=error").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}
