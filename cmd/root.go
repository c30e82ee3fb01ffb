// cmd/root.go
package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pagedserve/pagedserve/core"
	"github.com/pagedserve/pagedserve/server"
)

var (
	configPath          string
	modelFamily         string
	blockSize           int
	maxNumSeqs          int
	maxNumBatchedTokens int
	maxModelLen         int
	kvcacheMemGPU       int
	kvcacheMemCPU       int
	listenAddr          string
	logLevel            string
)

var rootCmd = &cobra.Command{
	Use:   "pagedserve",
	Short: "Batched inference server on a paged KV cache",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving engine and HTTP surface",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := buildConfig(cmd)
		if err != nil {
			logrus.Fatalf("Config: %v", err)
		}

		spec := core.SpecForFamily(cfg.Model)
		engine, err := core.NewEngine(cfg, core.NewStubRunner(spec), nil)
		if err != nil {
			logrus.Fatalf("Engine: %v", err)
		}
		logrus.Infof("Starting %s engine: block size %d, %d gpu / %d cpu blocks, max %d seqs, %d batched tokens",
			spec.Family, engine.Config().Cache.BlockSize,
			engine.Config().Cache.NumGPUBlocks, engine.Config().Cache.NumCPUBlocks,
			engine.Config().Scheduler.MaxNumSeqs, engine.Config().Scheduler.MaxNumBatchedTokens)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(engine, listenAddr)
		if err := srv.Run(ctx); err != nil {
			logrus.Errorf("Server: %v", err)
		}
		engine.Metrics().Print()
	},
}

// buildConfig starts from the YAML file (or the defaults) and lets any
// explicitly set flag win.
func buildConfig(cmd *cobra.Command) (core.EngineConfig, error) {
	cfg := core.DefaultEngineConfig()
	if configPath != "" {
		var err error
		cfg, err = core.LoadEngineConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("model") || cfg.Model == "" {
		cfg.Model = modelFamily
	}
	if flags.Changed("block-size") {
		cfg.Cache.BlockSize = blockSize
	}
	if flags.Changed("kvcache-mem-gpu") {
		cfg.Cache.GPUMemoryMB = kvcacheMemGPU
	}
	if flags.Changed("kvcache-mem-cpu") {
		cfg.Cache.CPUMemoryMB = kvcacheMemCPU
	}
	if flags.Changed("max-num-seqs") {
		cfg.Scheduler.MaxNumSeqs = maxNumSeqs
	}
	if flags.Changed("max-num-batched-tokens") {
		cfg.Scheduler.MaxNumBatchedTokens = maxNumBatchedTokens
	}
	if flags.Changed("max-model-len") {
		cfg.Scheduler.MaxModelLen = maxModelLen
	}
	return cfg, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "YAML engine config file")
	serveCmd.Flags().StringVar(&modelFamily, "model", "llama", "Model family (llama, qwen, mistral, gemma, stable-lm)")
	serveCmd.Flags().IntVar(&blockSize, "block-size", 32, "Number of tokens per KV cache block")
	serveCmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 256, "Maximum number of sequences per batch")
	serveCmd.Flags().IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 4096, "Maximum new tokens per step")
	serveCmd.Flags().IntVar(&maxModelLen, "max-model-len", 0, "Context length cap (0 = from model config)")
	serveCmd.Flags().IntVar(&kvcacheMemGPU, "kvcache-mem-gpu", 4096, "Available GPU memory for kvcache (MB)")
	serveCmd.Flags().IntVar(&kvcacheMemCPU, "kvcache-mem-cpu", 4096, "Available CPU memory for kvcache (MB)")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}
