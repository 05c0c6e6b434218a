// Package webhook accepts HMAC-SHA256 signed install triggers, so a release
// pipeline can hand a freshly built archive to installman without holding an
// API token.
//
// # Security Model
//
//   - Signatures are verified with crypto/subtle (constant-time comparison)
//   - Body size limits are enforced before verification
//   - Failures never say why (always a generic 403)
//   - Request logging excludes payloads
//   - Archives must resolve inside the endpoint's archive_dir
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8089"
//	  endpoints:
//	    - path: /hooks/release
//	      secret: ${RELEASE_HOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 64KiB
//	      archive_dir: /srv/releases
//	      prefix: /opt/tools
//
// # Request Flow
//
//  1. HTTP POST arrives at a configured path
//  2. Body size checked (413 if too large)
//  3. HMAC-SHA256 of the body compared with the signature header (403 on mismatch)
//  4. Body decoded as {"archive": "name.tar.gz", "blake3": "..."}
//  5. Archive resolved inside archive_dir (400 if it escapes)
//  6. Install job started with the endpoint's prefix
//  7. 202 Accepted returned with job_id
//
// # Error Responses
//
//   - 400 Bad Request: malformed body or archive outside archive_dir
//   - 403 Forbidden: invalid or missing signature
//   - 404 Not Found: archive does not exist
//   - 409 Conflict: another install is running
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 422 Unprocessable Entity: BLAKE3 digest mismatch
package webhook
