package upload

import (
	"bytes"
	"io"
	"mime/multipart"
	"strings"
	"unicode/utf8"
)

// Limits bound one multipart request. When a per-part and the
// per-request byte limit both apply, whichever trips first wins.
type Limits struct {
	MaxParts        int
	MaxPartBytes    int64
	MaxRequestBytes int64

	// SniffBytes caps the prefix sampled for magic-byte and masquerade
	// checks, regardless of declared part length.
	SniffBytes int

	Archive ArchiveLimits
}

func DefaultLimits() Limits {
	return Limits{
		MaxParts:        64,
		MaxPartBytes:    8 << 20,  // 8 MiB
		MaxRequestBytes: 32 << 20, // 32 MiB
		SniffBytes:      512,
		Archive: ArchiveLimits{
			MaxEntries: 1024,
			MaxRatio:   100,
		},
	}
}

// Part is the descriptor for one validated part. Content is retained
// only for accepted parts and is bounded by MaxPartBytes; a rejected
// part is never fully buffered.
type Part struct {
	Name        string
	ContentType string
	Filename    string
	ByteCount   int64
	SniffedType string
	Content     []byte
}

// Hooks are optional observability callbacks.
type Hooks struct {
	OnRejected func(reason Reason)
	// OnLogOnly fires when a check fails but its feature flag has been
	// downgraded from enforce to log-only.
	OnLogOnly func(reason Reason, partName string)
}

type Options struct {
	Limits Limits
	Hooks  Hooks

	// ArchiveEnforce reports whether archive blocking is enforced.
	// nil means enforce; wiring a feature flag here allows downgrading
	// the check to log-only without redeployment.
	ArchiveEnforce func() bool
}

// Validator streams a multipart body part by part and either accepts
// it, rejects it with one bounded reason, or aborts mid-stream. It
// never buffers an oversized payload before rejecting.
type Validator struct {
	limits         Limits
	hooks          Hooks
	archiveEnforce func() bool
}

func NewValidator(opts Options) *Validator {
	if opts.Limits.MaxParts <= 0 {
		opts.Limits = DefaultLimits()
	}
	if opts.Limits.SniffBytes <= 0 {
		opts.Limits.SniffBytes = 512
	}
	return &Validator{
		limits:         opts.Limits,
		hooks:          opts.Hooks,
		archiveEnforce: opts.ArchiveEnforce,
	}
}

// Limits returns the active limits, for the config endpoint.
func (v *Validator) Limits() Limits { return v.limits }

// Validate consumes mr and returns the accepted part descriptors or a
// typed rejection. textOnly selects the strict profile: full-stream
// UTF-8, identity transfer encoding only, and no archive or executable
// content regardless of the declared type.
func (v *Validator) Validate(mr *multipart.Reader, textOnly bool) ([]Part, *Rejection) {
	var (
		parts      []Part
		totalBytes int64
	)

	for partIndex := 0; ; partIndex++ {
		p, err := mr.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, v.fail(reject(ReasonInvalidEncoding, "", "malformed multipart stream"))
		}

		// the instant the count cap is exceeded, abort without reading
		// this or any further part
		if partIndex >= v.limits.MaxParts {
			p.Close()
			return nil, v.fail(reject(ReasonPartCountExceeded, p.FormName(), "part count cap exceeded"))
		}

		part, rej := v.validatePart(p, textOnly, &totalBytes)
		p.Close()
		if rej != nil {
			return nil, v.fail(rej)
		}
		parts = append(parts, part)
	}
}

func (v *Validator) validatePart(p *multipart.Part, textOnly bool, totalBytes *int64) (Part, *Rejection) {
	name := p.FormName()

	filename, rej := FilenameFromDisposition(p.Header.Get("Content-Disposition"))
	if rej != nil {
		rej.PartName = name
		return Part{}, rej
	}

	if textOnly {
		if enc := strings.ToLower(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding"))); enc != "" {
			switch enc {
			case "identity", "7bit", "8bit", "binary":
			default:
				return Part{}, reject(ReasonInvalidEncoding, name, "non-identity transfer encoding "+enc)
			}
		}
	}

	contentType := p.Header.Get("Content-Type")

	// sample a bounded prefix first so signature checks can abort the
	// stream before the body is consumed
	prefix := make([]byte, v.limits.SniffBytes)
	n, rerr := io.ReadFull(p, prefix)
	prefix = prefix[:n]
	if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
		return Part{}, reject(ReasonInvalidEncoding, name, "part read failed")
	}

	partBytes := int64(n)
	*totalBytes += int64(n)
	if rej := v.checkSizes(name, partBytes, *totalBytes); rej != nil {
		return Part{}, rej
	}

	kind, sniffed := Sniff(prefix)

	// a part with no filename and no recognizable signature is opaque
	// form data; byte limits still apply but nothing below fires on it
	rej, archiveLogOnly := v.checkMagic(name, kind, textOnly)
	if rej != nil {
		return Part{}, rej
	}

	if declaredText(contentType) || (textOnly && contentType == "") {
		// masquerade heuristic: distinct from the signature check, it
		// catches binary content with no specific known magic
		if binary, why := LooksBinary(prefix); binary && kind == SniffOther {
			return Part{}, reject(ReasonInvalidEncoding, name, "binary masquerading as text: "+why)
		}
	}

	// stream the remainder with incremental size accounting; an
	// oversized part trips the cap mid-read, never after full buffering
	content := bytes.NewBuffer(prefix)
	chunk := make([]byte, 32*1024)
	for {
		cn, cerr := p.Read(chunk)
		if cn > 0 {
			partBytes += int64(cn)
			*totalBytes += int64(cn)
			if rej := v.checkSizes(name, partBytes, *totalBytes); rej != nil {
				return Part{}, rej
			}
			content.Write(chunk[:cn])
		}
		if cerr == io.EOF {
			break
		}
		if cerr != nil {
			return Part{}, reject(ReasonInvalidEncoding, name, "part read failed")
		}
	}

	data := content.Bytes()

	if textOnly && !archiveLogOnly {
		if !utf8.Valid(data) {
			return Part{}, reject(ReasonInvalidEncoding, name, "invalid utf-8")
		}
	} else if kind == SniffArchive {
		if rej := CheckArchive(data, sniffed, v.limits.Archive); rej != nil {
			rej.PartName = name
			return Part{}, rej
		}
	}

	return Part{
		Name:        name,
		ContentType: contentType,
		Filename:    filename,
		ByteCount:   partBytes,
		SniffedType: sniffed,
		Content:     data,
	}, nil
}

func (v *Validator) checkSizes(name string, partBytes, totalBytes int64) *Rejection {
	if v.limits.MaxPartBytes > 0 && partBytes > v.limits.MaxPartBytes {
		return reject(ReasonSizeLimitExceeded, name, "per-part byte cap exceeded")
	}
	if v.limits.MaxRequestBytes > 0 && totalBytes > v.limits.MaxRequestBytes {
		return reject(ReasonSizeLimitExceeded, name, "request byte cap exceeded")
	}
	return nil
}

// checkMagic applies the signature policy. The second return reports
// that an archive was admitted on a text route because blocking was
// downgraded to log-only; bomb caps still apply to it downstream.
func (v *Validator) checkMagic(name string, kind SniffKind, textOnly bool) (*Rejection, bool) {
	switch kind {
	case SniffArchive:
		if !textOnly {
			return nil, false // binary-capable endpoints take archives through CheckArchive
		}
		if v.archiveEnforce != nil && !v.archiveEnforce() {
			if v.hooks.OnLogOnly != nil {
				v.hooks.OnLogOnly(ReasonArchiveBlocked, name)
			}
			return nil, true
		}
		return reject(ReasonArchiveBlocked, name, "archive signature on text-only endpoint"), false
	case SniffExecutable:
		if textOnly {
			return reject(ReasonMagicByteDetected, name, "executable signature on text-only endpoint"), false
		}
	}
	return nil, false
}

func (v *Validator) fail(rej *Rejection) *Rejection {
	if v.hooks.OnRejected != nil {
		v.hooks.OnRejected(rej.Reason)
	}
	return rej
}

func declaredText(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "", strings.HasPrefix(ct, "text/"):
		return ct != ""
	case ct == "application/json", ct == "application/xml",
		strings.HasSuffix(ct, "+json"), strings.HasSuffix(ct, "+xml"):
		return true
	}
	return false
}
