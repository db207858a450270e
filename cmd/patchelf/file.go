package main

import (
	"os"

	"github.com/go-kit/log/level"
	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"github.com/fzakaria/patchelf"
)

func loadImage(path string) (*patchelf.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := patchelf.Load(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	level.Debug(logger).Log("msg", "loaded image", "path", path, "image", img)
	return img, nil
}

// editFile runs one edit against cfg.file and writes the result through a
// rename, so a crash or a failed validation never leaves a half-written
// binary behind.
func editFile(edit func(*patchelf.Image) error) error {
	img, err := loadImage(cfg.file)
	if err != nil {
		return err
	}
	if err := edit(img); err != nil {
		return errors.Wrapf(err, "editing %s", cfg.file)
	}
	out, err := img.Bytes()
	if err != nil {
		return errors.Wrapf(err, "serializing %s", cfg.file)
	}

	dest := cfg.output
	if dest == "" {
		dest = cfg.file
	}
	perm := os.FileMode(0o755)
	if fi, err := os.Stat(cfg.file); err == nil {
		perm = fi.Mode().Perm()
	}
	if err := renameio.WriteFile(dest, out, perm); err != nil {
		return errors.Wrapf(err, "writing %s", dest)
	}
	level.Debug(logger).Log("msg", "wrote output", "path", dest, "bytes", len(out))
	return nil
}
