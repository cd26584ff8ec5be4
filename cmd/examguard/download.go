package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/recognition"
)

const modelBaseURL = "http://dlib.net/files/"

func cmdDownloadModels(args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}
	return downloadModels(context.Background(), http.DefaultClient, modelBaseURL, modelDir)
}

// downloadModels fetches every missing model as <baseURL><name>.bz2 and
// decompresses it into modelDir.
func downloadModels(ctx context.Context, client *http.Client, baseURL, modelDir string) error {
	log := logging.Component("models")
	log.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	for _, name := range recognition.MissingModelFiles(modelDir) {
		log.Infof("Downloading %s...", name)
		if err := downloadAndExtract(ctx, client, baseURL+name+".bz2", filepath.Join(modelDir, name)); err != nil {
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
		log.Infof("Successfully downloaded %s", name)
	}

	log.Info("All models present")
	return nil
}

func downloadAndExtract(ctx context.Context, client *http.Client, url, targetPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// partial downloads stay under .part
	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, bzip2.NewReader(resp.Body)); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
