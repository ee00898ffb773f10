package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wudi/polygate/internal/config"
	"github.com/wudi/polygate/internal/logging"
	"github.com/wudi/polygate/internal/orchestrator"
	"github.com/wudi/polygate/internal/proto"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `polygate translates a provider-neutral gateway configuration into native
gateway artifacts, and back.

Usage:
  polygate generate -config <file> [-provider <name>] [-output <file>]
  polygate generate-all -config <file> -output-dir <dir>
  polygate validate -config <file>
  polygate info -config <file>
  polygate import -provider <name> -artifact <file> [-output <file>]
  polygate compile-protos -config <file> [-output-dir <dir>] [-protoc <binary>]
  polygate deploy -config <file>
  polygate list-providers
  polygate version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(os.Args[2:])
	case "generate-all":
		err = runGenerateAll(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "compile-protos":
		err = runCompileProtos(os.Args[2:])
	case "deploy":
		err = runDeploy(os.Args[2:])
	case "list-providers":
		for _, name := range orchestrator.New().Providers() {
			fmt.Println(name)
		}
	case "version":
		fmt.Printf("polygate %s (built %s)\n", version, buildTime)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

// loadWithLogging loads the configuration and replaces the global logger
// with one honoring the config's logging block.
func loadWithLogging(o *orchestrator.Orchestrator, path string) (*config.Configuration, error) {
	cfg, err := o.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWithOptions(cfg.Global.Logging.Level, logging.Options{
		File:       cfg.Global.Logging.File,
		MaxSizeMB:  cfg.Global.Logging.MaxSizeMB,
		MaxBackups: cfg.Global.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)
	return cfg, nil
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	providerName := fs.String("provider", "", "Override the config's provider")
	output := fs.String("output", "", "Write the artifact to a file instead of stdout")
	fs.Parse(args)

	o := orchestrator.New()
	cfg, err := loadWithLogging(o, *configPath)
	if err != nil {
		return err
	}

	name := cfg.Provider
	if *providerName != "" {
		name = *providerName
	}
	artifact, err := o.GenerateFor(cfg, name)
	if err != nil {
		return err
	}
	return writeOut(*output, artifact)
}

func runGenerateAll(args []string) error {
	fs := flag.NewFlagSet("generate-all", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	outputDir := fs.String("output-dir", "artifacts", "Directory for generated artifacts")
	fs.Parse(args)

	o := orchestrator.New()
	cfg, err := loadWithLogging(o, *configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return err
	}

	results := o.GenerateAll(cfg)
	failed := 0
	for _, name := range o.Providers() {
		res := results[name]
		if res.Err != nil {
			failed++
			logging.Warn("generation failed", zap.String("provider", name), zap.Error(res.Err))
			fmt.Fprintf(os.Stderr, "%-8s FAILED: %v\n", name, res.Err)
			continue
		}
		path := filepath.Join(*outputDir, name+artifactExt(name))
		if err := os.WriteFile(path, []byte(res.Artifact), 0o644); err != nil {
			return err
		}
		fmt.Printf("%-8s %s\n", name, path)
	}
	if failed == len(o.Providers()) {
		return fmt.Errorf("all providers failed")
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	fs.Parse(args)

	o := orchestrator.New()
	if _, err := o.Load(*configPath); err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	fs.Parse(args)

	o := orchestrator.New()
	cfg, err := o.Load(*configPath)
	if err != nil {
		return err
	}

	s := orchestrator.Summarize(cfg)
	fmt.Printf("provider: %s\n", s.Provider)
	fmt.Printf("services: %d\n", s.Services)
	fmt.Printf("routes:   %d\n", s.Routes)
	if len(s.Policies) > 0 {
		fmt.Println("policies:")
		for _, name := range s.PolicyNames() {
			fmt.Printf("  %-20s %d\n", name, s.Policies[name])
		}
	}
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	providerName := fs.String("provider", "", "Provider that produced the artifact")
	artifactPath := fs.String("artifact", "", "Path to the native artifact")
	output := fs.String("output", "", "Write the neutral YAML to a file instead of stdout")
	fs.Parse(args)

	if *providerName == "" || *artifactPath == "" {
		return fmt.Errorf("import requires -provider and -artifact")
	}

	data, err := os.ReadFile(*artifactPath)
	if err != nil {
		return err
	}

	o := orchestrator.New()
	neutral, err := o.Import(*providerName, string(data))
	if err != nil {
		return err
	}
	return writeOut(*output, neutral)
}

func runCompileProtos(args []string) error {
	fs := flag.NewFlagSet("compile-protos", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	outputDir := fs.String("output-dir", "descriptors", "Directory for compiled descriptor sets")
	protocBin := fs.String("protoc", "", "Protobuf compiler binary (defaults to protoc on PATH)")
	fs.Parse(args)

	o := orchestrator.New()
	cfg, err := loadWithLogging(o, *configPath)
	if err != nil {
		return err
	}
	if len(cfg.ProtoDescriptors) == 0 {
		fmt.Println("No proto descriptors declared")
		return nil
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		return err
	}

	compiler := proto.NewCompiler()
	if *protocBin != "" {
		compiler.Binary = *protocBin
	}
	for i := range cfg.ProtoDescriptors {
		d := &cfg.ProtoDescriptors[i]
		descPath, err := compiler.Resolve(context.Background(), d, *outputDir)
		if err != nil {
			return fmt.Errorf("proto descriptor %s: %w", d.Name, err)
		}
		logging.Info("compiled descriptor",
			zap.String("name", d.Name), zap.String("path", descPath))
		fmt.Printf("%-20s %s\n", d.Name, descPath)
	}
	return nil
}

func runDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	configPath := fs.String("config", "polygate.yaml", "Path to neutral configuration file")
	fs.Parse(args)

	o := orchestrator.New()
	cfg, err := loadWithLogging(o, *configPath)
	if err != nil {
		return err
	}
	if err := o.Deploy(context.Background(), cfg); err != nil {
		return err
	}
	fmt.Println("Deployed")
	return nil
}

func writeOut(path, content string) error {
	if path == "" {
		fmt.Print(content)
		return nil
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// artifactExt picks a conventional file extension per provider.
func artifactExt(provider string) string {
	switch provider {
	case "envoy", "kong", "traefik", "gcp":
		return ".yaml"
	case "apisix", "aws", "azure":
		return ".json"
	case "nginx":
		return ".conf"
	case "haproxy":
		return ".cfg"
	default:
		return ".txt"
	}
}
