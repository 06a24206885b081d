// Package models finds quantized model files in well-known local caches.
package models

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"erpy/internal/completion"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	huggingFaceCacheDir = ".cache/huggingface/hub"
	lmStudioCacheDir    = ".cache/lm-studio/models"

	hfRepoPrefix = "models--"
	hfSeparator  = "--"
)

// Scanner lists GGUF models under a home directory.
type Scanner struct {
	// Home defaults to the current user's home directory.
	Home   string
	Logger *zap.Logger
}

// Scan returns HuggingFace hub models followed by LM Studio models. A missing
// cache directory contributes nothing.
func (s Scanner) Scan(ctx context.Context) ([]completion.ModelInfo, error) {
	home := s.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		home = h
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var hf, lm []completion.ModelInfo
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hf, err = scan(ctx, filepath.Join(home, huggingFaceCacheDir), huggingFaceModel)
		return err
	})
	g.Go(func() error {
		var err error
		lm, err = scan(ctx, filepath.Join(home, lmStudioCacheDir), lmStudioModel)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Debug("scanned model caches",
		zap.String("home", home),
		zap.Int("huggingface", len(hf)),
		zap.Int("lm_studio", len(lm)),
	)
	return append(hf, lm...), nil
}

// scan globs root for GGUF files and describes each with describe, which
// gets the slash-separated path relative to root.
func scan(ctx context.Context, root string, describe func(rel string) (completion.ModelInfo, bool)) ([]completion.ModelInfo, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	matches, err := doublestar.Glob(os.DirFS(root), "**/*.gguf")
	if err != nil {
		return nil, err
	}

	var out []completion.ModelInfo
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, ok := describe(rel)
		if !ok {
			continue
		}
		info.Path = filepath.Join(root, filepath.FromSlash(rel))
		out = append(out, info)
	}
	return out, nil
}

// huggingFaceModel reads user and name from the first models--<user>--<name>
// segment. The name is whatever follows the last separator.
func huggingFaceModel(rel string) (completion.ModelInfo, bool) {
	for _, seg := range strings.Split(rel, "/") {
		repo, ok := strings.CutPrefix(seg, hfRepoPrefix)
		if !ok {
			continue
		}
		i := strings.LastIndex(repo, hfSeparator)
		if i < 0 {
			return completion.ModelInfo{}, false
		}
		return completion.ModelInfo{User: repo[:i], Name: repo[i+len(hfSeparator):]}, true
	}
	return completion.ModelInfo{}, false
}

// lmStudioModel takes the file's parent as the name and the grandparent as
// the user.
func lmStudioModel(rel string) (completion.ModelInfo, bool) {
	parts := strings.Split(rel, "/")
	if len(parts) < 3 {
		return completion.ModelInfo{}, false
	}
	return completion.ModelInfo{User: parts[len(parts)-3], Name: parts[len(parts)-2]}, true
}
