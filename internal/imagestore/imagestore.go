// Package imagestore keeps uploaded scan images on a filesystem under a
// patient-scoped directory and resolves them by their /storage web path.
package imagestore

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

const (
	// WebPrefix is the URL prefix images are served under
	WebPrefix = "/storage"
	// scansDir is the directory below the root holding per-patient folders
	scansDir = "scans"

	defaultExt      = ".jpg"
	maxNameAttempts = 5
)

var (
	patientDirPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,32}$`)
	extPattern        = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)
)

// StoredImage describes a file written by Save.
type StoredImage struct {
	WebPath  string // /storage/scans/<patient>/<file>
	FilePath string // path on the store's filesystem
	FileName string
	Size     int64
}

// Store writes and reads scan images.
type Store struct {
	fs   afero.Fs
	root string
	log  logger.Logger
	now  func() time.Time
}

// New returns a store rooted at root on fs, creating the root if absent.
func New(fs afero.Fs, root string, log logger.Logger) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logger.Global().Module("imagestore")
	}
	root = filepath.Clean(root)
	if err := fs.MkdirAll(filepath.Join(root, scansDir), 0o755); err != nil {
		return nil, fileError(err, "create_root", root)
	}
	return &Store{fs: fs, root: root, log: log, now: time.Now}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Fs returns the filesystem holding the images.
func (s *Store) Fs() afero.Fs { return s.fs }

// Save writes data as {patientID}_{scanID}_{anatomy}_{unixMillis}{ext} under
// scans/<patientID>/. A zero scanID or empty anatomy is left out of the name.
func (s *Store) Save(patientID string, scanID uint, anatomy, originalName string, data io.Reader) (*StoredImage, error) {
	if !patientDirPattern.MatchString(patientID) {
		return nil, validationError("Invalid patient ID for storage", "patientId", patientID)
	}
	if anatomy != "" && !patientDirPattern.MatchString(anatomy) {
		return nil, validationError("Invalid anatomy label", "anatomy", anatomy)
	}

	dir := filepath.Join(s.root, scansDir, patientID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fileError(err, "create_patient_dir", dir)
	}

	ext := extension(originalName)
	millis := s.now().UnixMilli()

	var (
		f    afero.File
		name string
		err  error
	)
	for attempt := range maxNameAttempts {
		name = fileName(patientID, scanID, anatomy, millis+int64(attempt), ext)
		f, err = s.fs.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil || !os.IsExist(err) {
			break
		}
	}
	if err != nil {
		return nil, fileError(err, "create_file", dir)
	}

	fullPath := filepath.Join(dir, name)
	size, err := io.Copy(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := s.fs.Remove(fullPath); rerr != nil {
			s.log.Warn("failed to remove partial image", logger.String("path", fullPath), logger.Error(rerr))
		}
		return nil, fileError(err, "write_file", fullPath)
	}

	stored := &StoredImage{
		WebPath:  path.Join(WebPrefix, scansDir, patientID, name),
		FilePath: fullPath,
		FileName: name,
		Size:     size,
	}
	s.log.Debug("image stored",
		logger.String("web_path", stored.WebPath),
		logger.Int64("bytes", size))
	return stored, nil
}

// Open reopens a stored image by its web path.
func (s *Store) Open(webPath string) (io.ReadCloser, error) {
	p, err := s.resolve(webPath)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("imagestore", "Image", webPath)
		}
		return nil, fileError(err, "open_file", p)
	}
	return f, nil
}

// Remove deletes a stored image. A missing file is not an error.
func (s *Store) Remove(webPath string) error {
	p, err := s.resolve(webPath)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return fileError(err, "remove_file", p)
	}
	return nil
}

// AnnotatedPath derives the placeholder annotated-image path: foo.jpg becomes foo_annotated.jpg.
func AnnotatedPath(webPath string) string {
	ext := path.Ext(webPath)
	return strings.TrimSuffix(webPath, ext) + "_annotated" + ext
}

// resolve maps a /storage web path to a filesystem path inside the root
func (s *Store) resolve(webPath string) (string, error) {
	if !strings.HasPrefix(webPath, WebPrefix+"/") {
		return "", validationError("Image path must be under "+WebPrefix, "image_path", webPath)
	}
	rel := path.Clean(strings.TrimPrefix(webPath, WebPrefix+"/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", validationError("Image path escapes the storage root", "image_path", webPath)
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	if r, err := filepath.Rel(s.root, full); err != nil || strings.HasPrefix(r, "..") {
		return "", validationError("Image path escapes the storage root", "image_path", webPath)
	}
	return full, nil
}

func fileName(patientID string, scanID uint, anatomy string, millis int64, ext string) string {
	parts := []string{patientID}
	if scanID != 0 {
		parts = append(parts, strconv.FormatUint(uint64(scanID), 10))
	}
	if anatomy != "" {
		parts = append(parts, anatomy)
	}
	parts = append(parts, strconv.FormatInt(millis, 10))
	return strings.Join(parts, "_") + ext
}

func extension(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !extPattern.MatchString(ext) {
		return defaultExt
	}
	return ext
}

func fileError(err error, operation, p string) error {
	return errors.New(fmt.Errorf("%s: %w", operation, err)).
		Component("imagestore").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		Context("path", p).
		Build()
}

func validationError(message, field, value string) error {
	return errors.Newf("%s", message).
		Component("imagestore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", value).
		Build()
}
