package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/chromedp/cdproto/target"
	"github.com/orisano/pixelmatch"

	"github.com/cdpstep/cdpstep/cdperr"
)

type captureScreenshotParams struct {
	Format  string `json:"format"`
	Quality int    `json:"quality,omitempty"`
}

type captureScreenshotResult struct {
	Data string `json:"data"`
}

// Screenshot takes a full-viewport PNG via Page.captureScreenshot and writes
// it to dir/<alias>.<suffix>.png, matching §6's file-format contract
// (`<tmp>/<alias>.before.png` / `.after.png`).
func Screenshot(ctx context.Context, exec Executor, sessionID target.SessionID, dir, alias, suffix string) (string, error) {
	var res captureScreenshotResult
	err := exec.Execute(ctx, sessionID, "Page.captureScreenshot", captureScreenshotParams{Format: "png"}, &res)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "capture screenshot")
	}
	raw, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "decode screenshot")
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s.png", alias, suffix))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", cdperr.Wrap(cdperr.KindExecution, err, "write screenshot file")
	}
	return path, nil
}

// ComparePNGFiles reports the number of differing pixels between two PNG
// files at the given perceptual threshold, the same pixelmatch API the
// teacher's screenshot tests use to assert visual equality.
func ComparePNGFiles(beforePath, afterPath string, threshold float64) (int, error) {
	before, err := decodePNG(beforePath)
	if err != nil {
		return 0, err
	}
	after, err := decodePNG(afterPath)
	if err != nil {
		return 0, err
	}
	n, err := pixelmatch.MatchPixel(before, after, pixelmatch.Threshold(threshold))
	if err != nil {
		return 0, cdperr.Wrap(cdperr.KindExecution, err, "compare screenshots")
	}
	return n, nil
}

func decodePNG(path string) (image.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "read screenshot %s", path)
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, cdperr.Wrap(cdperr.KindExecution, err, "decode screenshot %s", path)
	}
	return img, nil
}
