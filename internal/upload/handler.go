// Package upload validates and stores incoming audio files and creates the
// call record for them.
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

var suspiciousPatterns = []string{"..", "/", "\\", ":", "*", "?", "\"", "<", ">", "|"}

// CallCreator persists new call records.
type CallCreator interface {
	CreateCall(ctx context.Context, call types.Call) (types.Call, error)
}

type Handler struct {
	dir     string
	allowed []string
	maxSize int64
	calls   CallCreator
	now     func() time.Time
	log     *logger.Logger
}

func NewHandler(dir string, allowed []string, maxSize int64, calls CallCreator, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		dir:     dir,
		allowed: allowed,
		maxSize: maxSize,
		calls:   calls,
		now:     time.Now,
		log:     log.Component("upload"),
	}
}

// Validate checks extension, size and filename. All failures are collected.
func (h *Handler) Validate(file types.AudioFile) types.ValidationResult {
	res := types.ValidationResult{IsValid: true}
	if strings.TrimSpace(file.Filename) == "" {
		res.IsValid = false
		res.Errors = append(res.Errors, "No file provided")
		return res
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	res.FileInfo = types.FileInfo{
		Filename:    file.Filename,
		Extension:   ext,
		ContentType: file.ContentType,
		Size:        file.Size,
	}
	if !slices.Contains(h.allowed, ext) {
		res.IsValid = false
		res.Errors = append(res.Errors, fmt.Sprintf("File extension %s not allowed. Allowed: %s", ext, strings.Join(h.allowed, ", ")))
	}
	if file.Size > h.maxSize {
		res.IsValid = false
		res.Errors = append(res.Errors, fmt.Sprintf("File size %d exceeds maximum %d", file.Size, h.maxSize))
	}
	for _, p := range suspiciousPatterns {
		if strings.Contains(file.Filename, p) {
			res.IsValid = false
			res.Errors = append(res.Errors, "Suspicious characters in filename: "+p)
			break
		}
	}

	if !res.IsValid {
		h.log.WithFields(logrus.Fields{
			"filename": file.Filename,
			"errors":   res.Errors,
		}).Warn("file validation failed")
	}
	return res
}

// Save writes the body to <dir>/YYYY/MM/DD/<callID><ext>. Partial files are
// removed on failure.
func (h *Handler) Save(ctx context.Context, file types.AudioFile, callID string) (string, error) {
	if file.Body == nil {
		return "", fmt.Errorf("save %s: empty body", callID)
	}
	if c, ok := file.Body.(io.Closer); ok {
		defer c.Close()
	}
	now := h.now()
	dir := filepath.Join(h.dir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, callID+strings.ToLower(filepath.Ext(file.Filename)))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: io.LimitReader(file.Body, h.maxSize+1)})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > h.maxSize {
		err = &types.ValidationError{Errors: []string{fmt.Sprintf("File size exceeds maximum %d", h.maxSize)}}
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("save %s: %w", callID, err)
	}

	h.log.WithFields(logrus.Fields{"call_id": callID, "path": path, "bytes": n}).Info("file saved")
	return path, nil
}

// CreateRecord registers the saved file as a new call in uploaded state.
func (h *Handler) CreateRecord(ctx context.Context, callID, path, filename string, size int64) (types.Call, error) {
	call, err := h.calls.CreateCall(ctx, types.Call{
		CallID:           callID,
		FilePath:         path,
		OriginalFilename: filename,
		FileSizeBytes:    size,
		Status:           types.CallUploading,
	})
	if err != nil {
		return types.Call{}, fmt.Errorf("create call record: %w", err)
	}
	return call, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
