package webhook

import (
	"github.com/mattjoyce/installman/internal/pipeline"
)

// Starter starts install jobs. *pipeline.Installer satisfies it.
type Starter interface {
	Start(req pipeline.Request) (*pipeline.Handle, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/hooks/release")
	Path string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the signature, "sha256=<hex>" or plain hex.
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes.
	MaxBodySize int64

	// ArchiveDir is the only directory triggers may install from.
	ArchiveDir string

	// Prefix overrides the installer's default prefix when set.
	Prefix string
}

// TriggerRequest is the signed JSON body of a trigger.
type TriggerRequest struct {
	// Archive is a path relative to the endpoint's archive_dir.
	Archive string `json:"archive"`
	BLAKE3  string `json:"blake3,omitempty"`
}

// TriggerResponse is the JSON response for accepted triggers.
type TriggerResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 64 * 1024
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
