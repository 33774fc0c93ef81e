package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// AttachmentConfig bounds how attachments are normalized before a turn
// reaches the agentic loop. Zero values fall back to the defaults below.
type AttachmentConfig struct {
	MaxImageBytes     int
	MaxImageDimension int
	ImageQualitySteps []int

	MaxDocBytes int
	MaxDocChars int
	// TextExtensions are treated as plain text regardless of MIME sniffing
	// (".md", ".log", ".csv", ...).
	TextExtensions map[string]bool

	// Transcribe converts a voice/audio file to text. nil disables
	// transcription — audio attachments fall back to a label.
	Transcribe func(ctx context.Context, path string) (string, error)
}

const (
	defaultMaxImageBytes     = 5 * 1024 * 1024
	defaultMaxImageDimension = 1568
	defaultMaxDocBytes       = 10 * 1024 * 1024
	defaultMaxDocChars       = 20000
)

func defaultTextExtensions() map[string]bool {
	return map[string]bool{
		".txt": true, ".md": true, ".csv": true, ".log": true,
		".json": true, ".yaml": true, ".yml": true, ".xml": true,
		".go": true, ".py": true, ".js": true, ".ts": true, ".sh": true,
	}
}

func (c AttachmentConfig) withDefaults() AttachmentConfig {
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = defaultMaxImageBytes
	}
	if c.MaxImageDimension <= 0 {
		c.MaxImageDimension = defaultMaxImageDimension
	}
	if c.ImageQualitySteps == nil {
		c.ImageQualitySteps = DefaultQualitySteps
	}
	if c.MaxDocBytes <= 0 {
		c.MaxDocBytes = defaultMaxDocBytes
	}
	if c.MaxDocChars <= 0 {
		c.MaxDocChars = defaultMaxDocChars
	}
	if c.TextExtensions == nil {
		c.TextExtensions = defaultTextExtensions()
	}
	return c
}

// normalizedAttachments is the result of running a batch of local file
// paths through normalizeAttachments: text annotations to append to the
// user message, and the subset that are still images (passed to the
// agentic loop as transient media).
type normalizedAttachments struct {
	TextSuffix string
	Images     []string
}

// normalizeAttachments implements spec step 2: image fit, audio
// transcription, and document text extraction, each falling back to a
// label when the underlying operation can't be completed.
func normalizeAttachments(ctx context.Context, paths []string, cfg AttachmentConfig) normalizedAttachments {
	cfg = cfg.withDefaults()
	var out normalizedAttachments
	var sb strings.Builder

	for _, path := range paths {
		ct := contentTypeFromExt(filepath.Ext(path))
		switch {
		case strings.HasPrefix(ct, "image/"):
			fitted, ok := fitImageFile(path, ct, cfg)
			if ok {
				out.Images = append(out.Images, fitted)
				sb.WriteString(fmt.Sprintf("[image] %s\n", filepath.Base(path)))
			} else {
				sb.WriteString(fmt.Sprintf("[image attachment %s could not be processed]\n", filepath.Base(path)))
			}
		case strings.HasPrefix(ct, "audio/"):
			sb.WriteString(transcribeOrLabel(ctx, path, cfg))
		default:
			sb.WriteString(extractDocumentOrLabel(path, ct, cfg))
		}
	}

	out.TextSuffix = sb.String()
	return out
}

func contentTypeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// fitImageFile loads path, runs it through FitImage, and writes the result
// back to a sibling temp file (the agentic loop's RunRequest.Media wants a
// path, not bytes). Returns ok=false when the image can't be read or fit.
func fitImageFile(path, contentType string, cfg AttachmentConfig) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("pipeline: could not read image attachment", "path", path, "error", err)
		return "", false
	}

	fitted, err := FitImage(data, contentType, cfg.MaxImageBytes, cfg.MaxImageDimension, cfg.ImageQualitySteps)
	if err != nil {
		slog.Warn("pipeline: image fit failed", "path", path, "error", err)
		return "", false
	}
	if bytes.Equal(fitted, data) {
		return path, true
	}

	out := path + ".fit" + filepath.Ext(path)
	if err := os.WriteFile(out, fitted, 0o600); err != nil {
		slog.Warn("pipeline: could not write fitted image", "path", out, "error", err)
		return "", false
	}
	return out, true
}

func transcribeOrLabel(ctx context.Context, path string, cfg AttachmentConfig) string {
	if cfg.Transcribe == nil {
		return "[voice message: transcription unavailable]\n"
	}
	transcript, err := cfg.Transcribe(ctx, path)
	if err != nil || strings.TrimSpace(transcript) == "" {
		if err != nil {
			slog.Warn("pipeline: voice transcription failed", "path", path, "error", err)
		}
		return "[voice message: transcription unavailable]\n"
	}
	return fmt.Sprintf("[voice message]: %s\n", transcript)
}

// extractDocumentOrLabel implements the document branch of step 2: text
// files are decoded with replacement and truncated; everything else
// (including PDF, for which no parser exists in this dependency set)
// falls back to a plain attachment label.
func extractDocumentOrLabel(path, contentType string, cfg AttachmentConfig) string {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("[attachment: %s, unreadable]\n", name)
	}
	if info.Size() > int64(cfg.MaxDocBytes) {
		return fmt.Sprintf("[attachment: %s, %s, too large to read]\n", name, contentType)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !cfg.TextExtensions[ext] && !strings.HasPrefix(contentType, "text/") {
		return fmt.Sprintf("[attachment: %s, %s]\n", name, contentType)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("[attachment: %s, unreadable]\n", name)
	}

	text := toValidUTF8Replacing(data)
	if utf8.RuneCountInString(text) > cfg.MaxDocChars {
		runes := []rune(text)
		text = string(runes[:cfg.MaxDocChars]) + fmt.Sprintf("\n[... truncated at %d chars]", cfg.MaxDocChars)
	}
	return fmt.Sprintf("[document: %s]\n%s\n", name, text)
}

func toValidUTF8Replacing(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}
