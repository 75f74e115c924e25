package uploads

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PublicPrefix is the URL path under which stored files are served.
	PublicPrefix    = "/uploads"
	defaultMaxBytes = 5 * 1024 * 1024
	sniffBytes      = 3072
)

var (
	ErrNotImage     = errors.New("uploads: only image files are allowed")
	ErrFileTooLarge = errors.New("uploads: file too large")
	ErrMissingDir   = errors.New("uploads: directory is required")
)

// IDProvider issues unique file name components.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type Config struct {
	Directory  string
	MaxBytes   int64
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Storage writes uploaded images to a directory served statically under PublicPrefix.
type Storage struct {
	directory  string
	maxBytes   int64
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewStorage creates the upload directory when needed.
func NewStorage(cfg Config) (*Storage, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, ErrMissingDir
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("uploads: create directory: %w", err)
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		directory:  directory,
		maxBytes:   maxBytes,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Directory returns the directory files are written to.
func (s *Storage) Directory() string {
	return s.directory
}

// MaxBytes returns the largest accepted upload.
func (s *Storage) MaxBytes() int64 {
	return s.maxBytes
}

// SaveImage stores content sniffed as image/* and returns its public URL. The file is named
// <unix-millis>-<uuid><ext>; the client file name only contributes when sniffing yields no
// extension.
func (s *Storage) SaveImage(content io.Reader, originalName string) (string, error) {
	limited := io.LimitReader(content, s.maxBytes+1)
	head := make([]byte, sniffBytes)
	read, err := io.ReadFull(limited, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("uploads: read content: %w", err)
	}
	head = head[:read]

	detected := mimetype.Detect(head)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", ErrNotImage
	}

	extension := detected.Extension()
	if extension == "" {
		extension = strings.ToLower(filepath.Ext(originalName))
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("uploads: generate name: %w", err)
	}
	fileName := fmt.Sprintf("%d-%s%s", s.clock().UnixMilli(), id, extension)
	path := filepath.Join(s.directory, fileName)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("uploads: create file: %w", err)
	}
	written, copyErr := io.Copy(file, io.MultiReader(bytes.NewReader(head), limited))
	closeErr := file.Close()
	if copyErr == nil && written > s.maxBytes {
		copyErr = ErrFileTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return "", copyErr
	}

	s.logger.Debug("image stored",
		zap.String("file", fileName),
		zap.String("mime", detected.String()),
		zap.Int64("bytes", written),
	)
	return PublicPrefix + "/" + fileName, nil
}

// Remove deletes a file previously returned by SaveImage; URLs outside PublicPrefix are ignored.
func (s *Storage) Remove(publicURL string) error {
	if !strings.HasPrefix(publicURL, PublicPrefix+"/") {
		return nil
	}
	name := filepath.Base(strings.TrimPrefix(publicURL, PublicPrefix+"/"))
	if name == "." || name == string(filepath.Separator) {
		return nil
	}
	err := os.Remove(filepath.Join(s.directory, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
