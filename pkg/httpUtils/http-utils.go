package http_utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// DownloadFile streams url into outputPath, creating parent directories as needed.
func DownloadFile(ctx context.Context, client *http.Client, url string, outputPath string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download file: %v", err)
	}
	defer resp.Body.Close()

	// Check if the response status is OK
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to download file, received status code: %d", resp.StatusCode)
	}

	// Create or check directory
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %v", dir, err)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file %s: %v", outputPath, err)
	}
	defer outFile.Close()

	// Stream the response body to the output file
	n, err := io.Copy(outFile, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to write file content to %s: %v", outputPath, err)
	}

	return n, nil
}
