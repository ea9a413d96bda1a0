package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kadirpekel/mcpchat/pkg/logger"
	"github.com/kadirpekel/mcpchat/pkg/registry"
	"github.com/kadirpekel/mcpchat/pkg/userconfig"
)

// defaultCachedVersion is compared against when a tool has no cached version.
const defaultCachedVersion = "0.0.0"

// DependencyInstaller installs a tool artifact's declared dependencies.
type DependencyInstaller interface {
	Install(ctx context.Context, dependencies []string) error
}

// PipInstaller installs dependencies with pip. Tool artifacts in the market
// are Python MCP servers, so pip is the runtime's package manager.
type PipInstaller struct{}

func (PipInstaller) Install(ctx context.Context, dependencies []string) error {
	if len(dependencies) == 0 {
		return nil
	}
	args := append([]string{"install"}, dependencies...)
	cmd := exec.CommandContext(ctx, "pip", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pip install failed: %w: %s", err, string(out))
	}
	return nil
}

// SkippedTool records a tool that could not be materialized and why.
// Skips are diagnostics, not failures: the rest of the batch proceeds.
type SkippedTool struct {
	Name string
	Err  error
}

// Result is the outcome of one materialization pass.
type Result struct {
	Descriptors []ConnectionDescriptor
	Skipped     []SkippedTool
}

// Materializer resolves tool references against the tool market and produces
// connection descriptors, reusing cached artifacts when versions match.
type Materializer struct {
	client         *registry.Client
	stagingDir     string
	runtimeCommand string
	installer      DependencyInstaller
	logger         *slog.Logger
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithInstaller overrides the dependency installer.
func WithInstaller(installer DependencyInstaller) MaterializerOption {
	return func(m *Materializer) {
		m.installer = installer
	}
}

// WithRuntimeCommand sets the interpreter used to launch subprocess tools.
func WithRuntimeCommand(command string) MaterializerOption {
	return func(m *Materializer) {
		m.runtimeCommand = command
	}
}

// NewMaterializer creates a Materializer staging artifacts under stagingDir.
func NewMaterializer(client *registry.Client, stagingDir string, opts ...MaterializerOption) *Materializer {
	m := &Materializer{
		client:         client,
		stagingDir:     stagingDir,
		runtimeCommand: "python",
		installer:      PipInstaller{},
		logger:         logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// artifactPath is where a tool's entry file is staged locally.
func (m *Materializer) artifactPath(tool, file string) string {
	return filepath.Join(m.stagingDir, tool, file)
}

// Materialize turns the config's tool references into connection descriptors.
//
// The staging directory is cleared in full before any tool is processed, so
// artifacts from a previous configuration never leak into the new one. Note
// that this defeats the version-cache reuse path for subprocess tools: the
// cached-artifact check below can never find a file that was just removed.
// This matches the observed behavior of the deployed system and must not be
// reordered without sign-off from whoever operates the tool market.
//
// Tools whose manifest fetch or download fails are skipped and recorded in
// Result.Skipped; one broken tool never aborts the rest of the batch. The
// updated cfg.ToolVersions is the caller's to persist.
func (m *Materializer) Materialize(ctx context.Context, cfg *userconfig.UserConfig) (*Result, error) {
	if err := m.clearStaging(); err != nil {
		return nil, err
	}

	result := &Result{}

	for _, ref := range cfg.ToolConfig.Tools {
		descriptor, err := m.materializeTool(ctx, cfg, ref)
		if err != nil {
			m.logger.Warn("Skipping tool", "tool", ref.Name, "error", err)
			result.Skipped = append(result.Skipped, SkippedTool{Name: ref.Name, Err: err})
			continue
		}
		result.Descriptors = append(result.Descriptors, *descriptor)
	}

	return result, nil
}

func (m *Materializer) materializeTool(ctx context.Context, cfg *userconfig.UserConfig, ref userconfig.ToolReference) (*ConnectionDescriptor, error) {
	manifest, err := m.client.FetchManifest(ctx, ref.GithubURL, ref.Name)
	if err != nil {
		return nil, err
	}

	cachedVersion, ok := cfg.ToolVersions[ref.Name]
	if !ok {
		cachedVersion = defaultCachedVersion
	}

	switch manifest.Transport {
	case registry.TransportStdio:
		path := m.artifactPath(ref.Name, manifest.File)
		if manifest.Version != cachedVersion || !fileExists(path) {
			if err := m.stageArtifact(ctx, ref, manifest, path); err != nil {
				return nil, err
			}
		} else {
			m.logger.Debug("Reusing cached artifact", "tool", ref.Name, "version", cachedVersion)
		}
		cfg.ToolVersions[ref.Name] = manifest.Version

		return &ConnectionDescriptor{
			Name:      ref.Name,
			Transport: TransportStdio,
			Command:   m.runtimeCommand,
			Args:      []string{path},
			Env:       cloneEnv(cfg.EnvVars[ref.Name]),
		}, nil

	case registry.TransportRemote:
		url := manifest.URL
		if ref.URL != "" {
			url = ref.URL
		}
		cfg.ToolVersions[ref.Name] = manifest.Version

		return &ConnectionDescriptor{
			Name:      ref.Name,
			Transport: TransportRemote,
			URL:       url,
			Env:       cloneEnv(cfg.EnvVars[ref.Name]),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q for tool %q", manifest.Transport, ref.Name)
	}
}

func (m *Materializer) stageArtifact(ctx context.Context, ref userconfig.ToolReference, manifest *registry.Manifest, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir for %q: %w", ref.Name, err)
	}

	checksum, err := m.client.DownloadArtifact(ctx, ref.GithubURL, ref.Name, manifest.File, path)
	if err != nil {
		return err
	}
	m.logger.Info("Staged tool artifact",
		"tool", ref.Name,
		"version", manifest.Version,
		"sha256", checksum)

	if err := m.installer.Install(ctx, manifest.Dependencies); err != nil {
		return fmt.Errorf("failed to install dependencies for %q: %w", ref.Name, err)
	}

	return nil
}

// clearStaging removes the whole staging directory and recreates it empty.
func (m *Materializer) clearStaging() error {
	if err := os.RemoveAll(m.stagingDir); err != nil {
		return fmt.Errorf("failed to clear staging dir %q: %w", m.stagingDir, err)
	}
	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir %q: %w", m.stagingDir, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(env))
	for k, v := range env {
		copied[k] = v
	}
	return copied
}
