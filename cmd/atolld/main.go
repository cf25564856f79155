package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"

	"github.com/InsulaLabs/atoll/config"
	"github.com/InsulaLabs/atoll/fleet"
)

func main() {
	var (
		configPath = flag.String("config", "atoll.yaml", "cluster config file")
		generate   = flag.Bool("generate", false, "write a default config and exit")
		testSizeMB = flag.Int("test-mb", 1, "size of the demo upload file in MiB")
	)
	flag.Parse()

	logger := slog.New(log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "atolld",
	}))

	if *generate {
		if err := config.WriteConfig(config.GenerateConfig(), *configPath); err != nil {
			logger.Error("could not write config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("default config written", "path", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("could not load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if err := run(logger, cfg, *testSizeMB); err != nil {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

// run drives the full cycle: build the fleet, upload a random file, health
// check, report, download, and verify the round trip byte-for-byte.
func run(logger *slog.Logger, cfg *config.Cluster, testSizeMB int) error {
	f, err := fleet.New(fleet.Config{
		Logger:  logger,
		Cluster: cfg,
	})
	if err != nil {
		return err
	}
	defer f.Close()

	testFile, err := createTestFile(cfg.StorageRoot, testSizeMB)
	if err != nil {
		return err
	}

	fileID, err := f.Upload(testFile)
	if err != nil {
		return err
	}
	logger.Info("file distributed", "file_id", fileID)

	header := color.New(color.FgCyan, color.Bold)
	okColor := color.New(color.FgGreen)
	badColor := color.New(color.FgRed)

	header.Println("\n[HEALTH]")
	health := f.HealthCheck()
	ids := make([]string, 0, len(health))
	for id := range health {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if health[id] {
			fmt.Printf("  %s: %s\n", id, okColor.Sprint("ALIVE"))
		} else {
			fmt.Printf("  %s: %s\n", id, badColor.Sprint("DEAD"))
		}
	}

	header.Println("\n[REPORT]")
	fmt.Println(f.Report())

	outPath := filepath.Join(cfg.StorageRoot, "reconstructed.bin")
	if err := f.Download(context.Background(), fileID, outPath); err != nil {
		return err
	}

	same, err := sameContent(testFile, outPath)
	if err != nil {
		return err
	}
	if !same {
		badColor.Println("round trip FAILED: reconstructed file differs")
		return fmt.Errorf("reconstructed file does not match original")
	}
	okColor.Println("round trip OK: reconstructed file matches original")
	return nil
}

func createTestFile(dir string, sizeMB int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "demo_upload.bin")

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.CopyN(f, rand.Reader, int64(sizeMB)*1024*1024); err != nil {
		return "", err
	}
	return path, nil
}

func sameContent(a, b string) (bool, error) {
	ha, err := hashOf(a)
	if err != nil {
		return false, err
	}
	hb, err := hashOf(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func hashOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
