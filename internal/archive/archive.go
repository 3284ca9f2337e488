// Package archive packages a worksheet staging directory into a gzip
// compressed tar file and removes the directory afterwards.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Extension is appended to the worksheet name to form the archive file name.
const Extension = ".ctw.tgz"

// FileName returns the archive file name for a worksheet.
func FileName(worksheet string) string {
	return worksheet + Extension
}

// ArchiveError reports a failure to produce the archive. The partial output
// has been removed, any earlier file at the output path is unchanged and the
// source directory is intact.
type ArchiveError struct {
	Source string
	Output string
	Err    error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("failed to archive %s into %s: %v", e.Source, e.Output, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// CleanupError reports a failure to delete the source directory after the
// archive was written successfully. The archive is complete.
type CleanupError struct {
	Dir     string
	Archive string
	Err     error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("archive %s written but failed to remove %s: %v", e.Archive, e.Dir, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Create writes src into a tar.gz at out. Entries live under basename(src)/,
// are visited in lexical order and carry normalized ownership, so the same
// tree always yields the same entry list and contents.
func Create(src, out string) (err error) {
	fail := func(err error) error {
		return &ArchiveError{Source: src, Output: out, Err: err}
	}

	info, err := os.Stat(src)
	if err != nil {
		return fail(err)
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("%s is not a directory", src))
	}

	// Written to a temp file next to out and renamed into place on success.
	f, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*.tmp")
	if err != nil {
		return fail(err)
	}
	tmp := f.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				f.Close()
			}
			os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	root := filepath.Base(filepath.Clean(src))

	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = path.Join(root, filepath.ToSlash(rel))
		}
		return addEntry(tw, p, name, d)
	})
	if err != nil {
		return fail(err)
	}
	if err = tw.Close(); err != nil {
		return fail(err)
	}
	if err = gz.Close(); err != nil {
		return fail(err)
	}
	closed = true
	if err = f.Close(); err != nil {
		return fail(err)
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return fail(err)
	}
	if err = os.Rename(tmp, out); err != nil {
		return fail(err)
	}
	return nil
}

func addEntry(tw *tar.Writer, p, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return fmt.Errorf("unsupported file type %s at %s", info.Mode().Type(), p)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.Format = tar.FormatPAX
	hdr.ModTime = hdr.ModTime.Truncate(time.Second)
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Package archives src into out and then deletes src. src is removed only
// when Create succeeded.
func Package(src, out string) error {
	if err := Create(src, out); err != nil {
		return err
	}
	return Cleanup(src, out)
}

// Cleanup deletes the staging directory src once out has been written.
func Cleanup(src, out string) error {
	if err := os.RemoveAll(src); err != nil {
		return &CleanupError{Dir: src, Archive: out, Err: err}
	}
	return nil
}

// Entry is one member of an archive.
type Entry struct {
	Name  string
	Size  int64
	IsDir bool
}

// List returns the entries of a tar.gz archive in stored order.
func List(archivePath string) ([]Entry, error) {
	var entries []Entry
	err := walk(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		entries = append(entries, Entry{
			Name:  hdr.Name,
			Size:  hdr.Size,
			IsDir: hdr.Typeflag == tar.TypeDir,
		})
		return nil
	})
	return entries, err
}

// ReadFile returns the contents of one regular file stored in the archive.
func ReadFile(archivePath, name string) ([]byte, error) {
	var data []byte
	found := false
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) error {
		if found || hdr.Typeflag != tar.TypeReg || hdr.Name != name {
			return nil
		}
		found = true
		var err error
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return data, nil
}

// ErrUnsafePath is returned by Extract for entries that would land outside dst.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Extract unpacks the archive under dst.
func Extract(archivePath, dst string) error {
	dst = filepath.Clean(dst)
	return walk(archivePath, func(hdr *tar.Header, r io.Reader) error {
		target := filepath.Join(dst, filepath.FromSlash(hdr.Name))
		if target != dst && !strings.HasPrefix(target, dst+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		default:
			return fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}
	})
}

func walk(archivePath string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", archivePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", archivePath, err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}
