package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
)

// Matcher decides whether a normalized entry path should be copied out.
type Matcher interface {
	Match(path string) bool
}

// DefaultDenyPrefixes lists entry path prefixes whose content duplicates other
// entries with broken names or encodings.
var DefaultDenyPrefixes = []string{"__MACOSX/"}

// ExtractedFile is one file copied out of an archive.
type ExtractedFile struct {
	Path    string   // location on disk under the scratch root
	Entry   string   // normalized path inside the innermost archive
	Lineage []string // outermost archive first
}

// Op names the stage an ExtractError happened in.
type Op string

const (
	OpOpenArchive Op = "open archive"
	OpReadEntry   Op = "read entry"
	OpWrite       Op = "write"
)

// ExtractError carries the archive (and entry, where known) that failed.
type ExtractError struct {
	Archive string
	Entry   string
	Op      Op
	Err     error
}

func (e *ExtractError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Archive, e.Err)
	}
	return fmt.Sprintf("%s %s in %s: %v", e.Op, e.Entry, e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// Extractor copies matching entries of nested zip archives to a scratch root.
type Extractor struct {
	Root   string   // scratch root, usually <tmp>/shp
	Deny   []string // entry path prefixes never extracted
	Logger *slog.Logger
}

// ScratchDir is the directory an archive's entries are extracted into.
func ScratchDir(root, archivePath string) string {
	base := filepath.Base(archivePath)
	return filepath.Join(root, strings.TrimSuffix(base, filepath.Ext(base)))
}

// Extract runs a one-off Extractor rooted at root with the given deny prefixes.
func Extract(ctx context.Context, archivePath string, m Matcher, root string, deny []string) ([]ExtractedFile, error) {
	return (&Extractor{Root: root, Deny: deny}).Extract(ctx, archivePath, m)
}

// Extract walks archivePath, descending into nested zip entries, and writes every
// entry accepted by m under ScratchDir(e.Root, archivePath). Running it again over
// the same archive rewrites the same paths with the same bytes.
func (e *Extractor) Extract(ctx context.Context, archivePath string, m Matcher) ([]ExtractedFile, error) {
	l := e.logger().With(slog.String("archive", archivePath))
	start := time.Now()

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ExtractError{Archive: archivePath, Op: OpOpenArchive, Err: err}
	}
	defer zr.Close()

	files, err := e.walk(ctx, &zr.Reader, ScratchDir(e.Root, archivePath), []string{archivePath}, m)
	if err != nil {
		return files, err
	}
	l.Debug("Archive extracted.",
		slog.Int("matched_files", len(files)),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return files, nil
}

func (e *Extractor) walk(ctx context.Context, zr *zip.Reader, dir string, lineage []string, m Matcher) ([]ExtractedFile, error) {
	current := lineage[len(lineage)-1]
	var out []ExtractedFile

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		name, ok := normalize(entryName(f))
		if !ok {
			e.logger().Warn("Skipping unsafe entry path.", slog.String("archive", current), slog.String("entry", f.Name))
			continue
		}
		if e.denied(name) {
			continue
		}

		if strings.EqualFold(path.Ext(name), ".zip") {
			nested, err := e.descend(ctx, f, name, dir, lineage, m)
			out = append(out, nested...)
			if err != nil {
				return out, err
			}
			continue
		}

		if !m.Match(name) {
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(name))
		if err := copyEntry(f, dest); err != nil {
			return out, wrapCopyErr(current, name, err)
		}
		out = append(out, ExtractedFile{
			Path:    dest,
			Entry:   name,
			Lineage: append([]string(nil), lineage...),
		})
	}
	return out, nil
}

// descend copies a nested zip to disk and extracts it into a directory named after it.
func (e *Extractor) descend(ctx context.Context, f *zip.File, name, dir string, lineage []string, m Matcher) ([]ExtractedFile, error) {
	current := lineage[len(lineage)-1]
	zipPath := filepath.Join(dir, filepath.FromSlash(name))
	if err := copyEntry(f, zipPath); err != nil {
		return nil, wrapCopyErr(current, name, err)
	}
	defer os.Remove(zipPath)

	inner, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &ExtractError{Archive: current + "!" + name, Op: OpOpenArchive, Err: err}
	}
	defer inner.Close()

	innerDir := strings.TrimSuffix(zipPath, filepath.Ext(zipPath))
	next := append(append([]string(nil), lineage...), name)
	return e.walk(ctx, &inner.Reader, innerDir, next, m)
}

func (e *Extractor) denied(name string) bool {
	for _, p := range e.Deny {
		if strings.HasPrefix(name, p) || strings.Contains(name, "/"+p) {
			return true
		}
	}
	return false
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Shapefiles keeps only the primary .shp entries; sidecars stay on disk beside them.
func Shapefiles(files []ExtractedFile) []ExtractedFile {
	var out []ExtractedFile
	for _, f := range files {
		if strings.EqualFold(filepath.Ext(f.Path), ".shp") {
			out = append(out, f)
		}
	}
	return out
}

// normalize converts separators to "/" and rejects paths escaping the destination.
// entryName returns the entry path as UTF-8. Archives written on Japanese
// Windows store names in CP932 without the UTF-8 flag.
func entryName(f *zip.File) string {
	if !f.NonUTF8 || utf8.ValidString(f.Name) {
		return f.Name
	}
	decoded, err := japanese.ShiftJIS.NewDecoder().String(f.Name)
	if err != nil {
		return f.Name
	}
	return decoded
}

func normalize(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	clean := path.Clean("/" + name)[1:]
	if clean == "" || strings.HasPrefix(name, "/") || strings.Contains("/"+name+"/", "/../") {
		return "", false
	}
	return clean, true
}

type readErr struct{ err error }

func (r readErr) Error() string { return r.err.Error() }
func (r readErr) Unwrap() error { return r.err }

func wrapCopyErr(archivePath, entry string, err error) error {
	var re readErr
	if errors.As(err, &re) {
		return &ExtractError{Archive: archivePath, Entry: entry, Op: OpReadEntry, Err: re.err}
	}
	return &ExtractError{Archive: archivePath, Entry: entry, Op: OpWrite, Err: err}
}

func copyEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return readErr{err}
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, &entryReader{rc})
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// entryReader tags read failures so they are reported as entry errors rather than write errors.
type entryReader struct{ r io.Reader }

func (er *entryReader) Read(p []byte) (int, error) {
	n, err := er.r.Read(p)
	if err != nil && err != io.EOF {
		return n, readErr{err}
	}
	return n, err
}
