package proto

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/polygate/internal/config"
)

// DefaultTimeout bounds a single compiler invocation.
const DefaultTimeout = 30 * time.Second

// ExternalToolError indicates a failed protobuf compiler invocation. It
// always carries the attempted command and captured stderr for diagnosis.
type ExternalToolError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ExternalToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("protoc failed (%s): %v: %s", e.Cmd, e.Err, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("protoc failed (%s): %v", e.Cmd, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// Compiler compiles .proto sources into descriptor sets by shelling out to
// an external protoc binary. The translation core never depends on it
// directly; adapters receive descriptor content through the model.
type Compiler struct {
	Binary  string        // defaults to "protoc"
	Timeout time.Duration // defaults to DefaultTimeout
}

// NewCompiler creates a compiler using the protoc binary on PATH.
func NewCompiler() *Compiler {
	return &Compiler{Binary: "protoc", Timeout: DefaultTimeout}
}

// Compile compiles protoPath into a descriptor set under outDir and returns
// the descriptor file path.
func (c *Compiler) Compile(ctx context.Context, protoPath, outDir string) (string, error) {
	binary := c.Binary
	if binary == "" {
		binary = "protoc"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := strings.TrimSuffix(filepath.Base(protoPath), filepath.Ext(protoPath))
	descPath := filepath.Join(outDir, base+".desc")

	args := []string{
		"--descriptor_set_out=" + descPath,
		"--proto_path=" + filepath.Dir(protoPath),
		"--include_imports",
		filepath.Base(protoPath),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = filepath.Dir(protoPath)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &ExternalToolError{
			Cmd:    binary + " " + strings.Join(args, " "),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return descPath, nil
}

// CompileInline writes inline proto source to a content-addressed temp file
// and compiles it. Hashing the content keeps concurrent invocations against
// the same output directory from colliding.
func (c *Compiler) CompileInline(ctx context.Context, source, outDir string) (string, error) {
	hash := xxhash.Sum64String(source)
	protoPath := filepath.Join(outDir, fmt.Sprintf("inline_%016x.proto", hash))
	if err := os.WriteFile(protoPath, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("failed to write inline proto: %w", err)
	}
	return c.Compile(ctx, protoPath, outDir)
}

// Resolve materializes a descriptor referenced by the model: file sources
// are compiled in place, inline sources are compiled from a temp file. URL
// sources must be fetched by the caller beforehand.
func (c *Compiler) Resolve(ctx context.Context, d *config.ProtoDescriptor, outDir string) (string, error) {
	switch d.Source {
	case config.DescriptorSourceFile:
		if strings.HasSuffix(d.Path, ".desc") || strings.HasSuffix(d.Path, ".pb") {
			return d.Path, nil // already compiled
		}
		return c.Compile(ctx, d.Path, outDir)
	case config.DescriptorSourceInline:
		return c.CompileInline(ctx, d.Content, outDir)
	default:
		return "", fmt.Errorf("proto descriptor %s: source %s cannot be compiled locally", d.Name, d.Source)
	}
}
