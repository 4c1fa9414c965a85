package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// StoredFile is a file placed in its category directory.  It is immutable
// once returned.
type StoredFile struct {
	Category     Category
	FinalPath    string
	PublicURL    string
	OriginalName string
	AssignedName string
	Size         int64
	MimeType     string
}

// Relocator moves staged files into category directories under root and
// lists what those directories contain.
type Relocator struct {
	root   string
	link   func(oldname, newname string) error
	rename func(oldpath, newpath string) error
}

// NewRelocator returns a relocator for the public root directory.
func NewRelocator(root string) *Relocator {
	return &Relocator{root: root, link: os.Link, rename: os.Rename}
}

// Root is the public directory holding the category directories.
func (r *Relocator) Root() string { return r.root }

// CategoryDir is the directory files of category c are placed in.
func (r *Relocator) CategoryDir(c Category) string {
	return filepath.Join(r.root, string(c))
}

// EnsureLayout creates every category directory and the temp area.
func (r *Relocator) EnsureLayout() error {
	for _, c := range Categories {
		if err := os.MkdirAll(r.CategoryDir(c), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", c, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(r.root, tempDirName), 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	return nil
}

// Relocate places staged into the directory for category.  On success the
// staged file no longer exists and the returned StoredFile describes the
// final location.  On any failure, including an unknown category, the
// staged file is removed as well.
//
// If a stored file already holds the assigned name (two uploads of the same
// name in the same millisecond), the timestamp moves forward one
// millisecond; an existing file is never replaced.
func (r *Relocator) Relocate(staged StagedFile, category string) (StoredFile, error) {
	cat, err := ParseCategory(category)
	if err != nil {
		_ = Discard(staged)
		return StoredFile{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	dir := r.CategoryDir(cat)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = Discard(staged)
		return StoredFile{}, fmt.Errorf("%w: create %s: %v", ErrRelocation, dir, err)
	}

	name, err := r.move(staged, dir)
	if err != nil {
		_ = Discard(staged)
		return StoredFile{}, err
	}

	return StoredFile{
		Category:     cat,
		FinalPath:    filepath.Join(dir, name),
		PublicURL:    cat.PublicURL(name),
		OriginalName: staged.OriginalName,
		AssignedName: name,
		Size:         staged.Size,
		MimeType:     staged.MimeType,
	}, nil
}

// move places the staged bytes into dir.  When temp and dir live on
// different devices the bytes are first copied to a hidden ".partial" file
// inside dir and synced, and that file is committed instead, so the final
// name never refers to a half-written file.
func (r *Relocator) move(staged StagedFile, dir string) (string, error) {
	name, err := r.commit(staged.TempPath, dir, staged)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return name, err
	}

	partial := filepath.Join(dir, "."+staged.AssignedName+".partial")
	if err := copyFileSynced(staged.TempPath, partial); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("%w: cross-device copy: %v", ErrRelocation, err)
	}
	name, err = r.commit(partial, dir, staged)
	if err != nil {
		_ = os.Remove(partial)
		if errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("%w: %v", ErrRelocation, err)
		}
		return "", err
	}
	_ = os.Remove(staged.TempPath)
	return name, nil
}

// commit atomically gives `from` its final name inside dir without
// replacing an existing file.  A hard link followed by removing `from` is
// used where the filesystem supports it.  Otherwise the name is first
// claimed with an O_EXCL placeholder and `from` renamed over that
// placeholder, so two relocations can never both win the same name.  EXDEV
// is passed through as is so move can fall back to copying.
func (r *Relocator) commit(from, dir string, staged StagedFile) (string, error) {
	at, name := staged.StagedAt, staged.AssignedName
	next := func() {
		at = at.Add(time.Millisecond)
		name = AssignName(staged.OriginalName, at)
	}

	for i := 0; i < maxNameAttempts; i++ {
		dst := filepath.Join(dir, name)

		err := r.link(from, dst)
		switch {
		case err == nil:
			_ = os.Remove(from)
			return name, nil
		case errors.Is(err, fs.ErrExist):
			next()
			continue
		case errors.Is(err, syscall.EXDEV):
			return "", err
		}

		// No hard links on this filesystem.
		claimed, err := claimName(dst)
		if errors.Is(err, fs.ErrExist) {
			next()
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: claim %s: %v", ErrRelocation, name, err)
		}
		if err := r.rename(from, dst); err != nil {
			_ = os.Remove(claimed)
			if errors.Is(err, syscall.EXDEV) {
				return "", err
			}
			return "", fmt.Errorf("%w: rename: %v", ErrRelocation, err)
		}
		return name, nil
	}
	return "", fmt.Errorf("%w: no free name for %q", ErrRelocation, staged.OriginalName)
}

// claimName creates an empty placeholder at path, failing with fs.ErrExist
// when the name is already taken.
func claimName(path string) (string, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func copyFileSynced(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Discard removes a staged file.  A file that is already gone is not an
// error.
func Discard(staged StagedFile) error {
	if staged.TempPath == "" {
		return nil
	}
	if err := os.Remove(staged.TempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the names of the files stored under folder, sorted, with
// dotfiles (including in-progress ".partial" copies) left out.
func (r *Relocator) List(folder string) ([]string, error) {
	cat, err := ParseCategory(folder)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.CategoryDir(cat))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", cat, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
