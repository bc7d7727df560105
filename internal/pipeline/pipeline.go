package pipeline

import (
	"mime"
	"net/http"
	"strings"

	"github.com/parabit/memgate/internal/authn"
	"github.com/parabit/memgate/internal/flags"
	"github.com/parabit/memgate/internal/idempotency"
	"github.com/parabit/memgate/internal/log"
	"github.com/parabit/memgate/internal/metrics"
	"github.com/parabit/memgate/internal/rbac"
	"github.com/parabit/memgate/internal/redact"
	"github.com/parabit/memgate/internal/upload"
)

// KeyHeader carries the caller's idempotency key on mutating routes.
const KeyHeader = "Idempotency-Key"

// RouteSpec is the per-route metadata the composer consumes. Resource
// and Action name the permission the Authorizer stage checks before the
// handler runs; a route with no required permission does not exist here.
type RouteSpec struct {
	// PathTemplate is the route pattern ("/v1/memories/{id}"), used
	// for idempotency scoping so path parameters do not fragment keys.
	PathTemplate string

	Resource string
	Action   string

	// Mutating routes get idempotency handling when the caller sends
	// an Idempotency-Key header.
	Mutating bool

	// Multipart routes run upload validation before the handler.
	Multipart bool

	// TextOnly marks a multipart route whose parts must be text.
	TextOnly bool

	// AllowEncoded permits a pre-compressed response body. Such a body
	// cannot be scanned for secrets, so the redaction stage skips it;
	// everything else trips the encoding guard.
	AllowEncoded bool
}

type Options struct {
	Resolver    *authn.Resolver
	Authorizer  *rbac.Authorizer
	Redactor    *redact.Engine
	Uploads     *upload.Validator
	Idempotency *idempotency.Manager
	Flags       *flags.Set
	Metrics     *metrics.ServerMetrics
	Logger      log.Logger

	// MaxRequestBytes bounds the declared request size in the pre-check
	// stage. Defaults to the upload validator's request cap.
	MaxRequestBytes int64
}

// Pipeline composes the fixed stage order around every protected route.
// The order is identical across environments; profiles vary only the
// limit values and flag defaults fed into Options.
type Pipeline struct {
	resolver   *authn.Resolver
	authorizer *rbac.Authorizer
	redactor   *redact.Engine
	uploads    *upload.Validator
	idem       *idempotency.Manager
	flags      *flags.Set
	metrics    *metrics.ServerMetrics
	logger     log.Logger
	maxRequest int64

	reqStages  []stage
	respStages []stage
}

// stage is one named step of the composition. Run returns false to
// stop the exchange; the stage that stops it owns the response.
type stage struct {
	name string
	run  func(*exchange) bool
}

func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Flags == nil {
		opts.Flags = flags.New(nil)
	}
	if opts.Uploads == nil {
		opts.Uploads = upload.NewValidator(upload.Options{})
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = opts.Uploads.Limits().MaxRequestBytes
	}
	p := &Pipeline{
		resolver:   opts.Resolver,
		authorizer: opts.Authorizer,
		redactor:   opts.Redactor,
		uploads:    opts.Uploads,
		idem:       opts.Idempotency,
		flags:      opts.Flags,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		maxRequest: opts.MaxRequestBytes,
	}
	p.reqStages = []stage{
		{"pre_check", p.preCheck},
		{"key_resolution", p.resolveKey},
		{"authorization", p.authorize},
		{"multipart_validation", p.validateMultipart},
		{"idempotency_check", p.checkIdempotency},
	}
	p.respStages = []stage{
		{"redaction", p.redactResponse},
		{"idempotency_write", p.writeIdempotency},
		{"encoding_guard", p.guardEncoding},
		{"final_headers", p.finishResponse},
	}
	return p
}

// Wrap returns spec's handler with the full stage order applied. The
// response side runs against a buffered body, so nothing reaches the
// wire before the redaction scan has seen all of it.
func (p *Pipeline) Wrap(spec RouteSpec, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := &exchange{w: w, r: r, spec: spec, principal: authn.Anonymous()}
		for _, st := range p.reqStages {
			if !st.run(ex) {
				return
			}
		}
		ex.bw = newBufferedWriter()
		next.ServeHTTP(ex.bw, ex.r.WithContext(authn.WithPrincipal(ex.r.Context(), ex.principal)))
		for _, st := range p.respStages {
			if !st.run(ex) {
				return
			}
		}
	})
}

// exchange is the per-request state threaded through the stages.
type exchange struct {
	w    http.ResponseWriter
	r    *http.Request
	spec RouteSpec

	principal authn.Principal
	scopeKey  string
	bw        *bufferedWriter

	// out is the body to emit, set by the redaction stage.
	out []byte

	// encoded marks a pre-compressed response body.
	encoded bool
}

func (p *Pipeline) preCheck(ex *exchange) bool {
	if ex.r.ContentLength > p.maxRequest {
		if ex.spec.Multipart {
			p.incMultipartRejection(upload.ReasonSizeLimitExceeded)
		}
		writeError(ex.w, http.StatusRequestEntityTooLarge, "payload_too_large", string(upload.ReasonSizeLimitExceeded))
		return false
	}
	if ex.spec.Multipart {
		ct, _, err := mime.ParseMediaType(ex.r.Header.Get("Content-Type"))
		if err != nil || ct != "multipart/form-data" {
			writeError(ex.w, http.StatusUnsupportedMediaType, "unsupported_media", string(upload.ReasonInvalidEncoding))
			return false
		}
	}
	return true
}

func (p *Pipeline) resolveKey(ex *exchange) bool {
	raw := ex.r.Header.Get("Authorization")
	if raw == "" {
		// No credential at all: proceed anonymous, authorization denies.
		return true
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || p.resolver == nil {
		p.incAuthFailure(authn.ReasonMalformedToken)
		writeError(ex.w, http.StatusUnauthorized, "unauthorized", string(authn.ReasonMalformedToken))
		return false
	}
	pr, err := p.resolver.Resolve(ex.r.Context(), token)
	if err != nil {
		reason := authn.ReasonOf(err)
		p.incAuthFailure(reason)
		p.logger.Warn(ex.r.Context(), "authentication failed",
			"reason", string(reason),
			"path", ex.r.URL.Path,
		)
		writeError(ex.w, http.StatusUnauthorized, "unauthorized", string(reason))
		return false
	}
	ex.principal = pr
	return true
}

func (p *Pipeline) authorize(ex *exchange) bool {
	d := p.authorizer.Check(ex.r.Context(), ex.principal, ex.spec.Resource, ex.spec.Action)
	if p.metrics != nil && p.authorizer.Sensitive(ex.spec.Resource) {
		p.metrics.IncSensitiveCheck()
	}
	if !d.Allowed {
		if p.metrics != nil {
			p.metrics.IncAuthzDenial(string(d.Reason))
		}
		writeError(ex.w, http.StatusForbidden, "forbidden", string(d.Reason))
		return false
	}
	return true
}

func (p *Pipeline) validateMultipart(ex *exchange) bool {
	if !ex.spec.Multipart {
		return true
	}
	mr, err := ex.r.MultipartReader()
	if err != nil {
		p.incMultipartRejection(upload.ReasonInvalidEncoding)
		writeError(ex.w, http.StatusBadRequest, "bad_request", string(upload.ReasonInvalidEncoding))
		return false
	}
	parts, rej := p.uploads.Validate(mr, ex.spec.TextOnly)
	if rej != nil {
		p.logger.Warn(ex.r.Context(), "multipart rejected",
			"reason", string(rej.Reason),
			"part", rej.PartName,
			"detail", rej.Detail,
		)
		status, class := rejectionStatus(rej.Reason)
		writeError(ex.w, status, class, string(rej.Reason))
		return false
	}
	ex.r = ex.r.WithContext(WithParts(ex.r.Context(), parts))
	return true
}

func (p *Pipeline) checkIdempotency(ex *exchange) bool {
	if !ex.spec.Mutating || p.idem == nil {
		return true
	}
	clientKey := ex.r.Header.Get(KeyHeader)
	if clientKey == "" {
		return true
	}
	tmpl := ex.spec.PathTemplate
	if tmpl == "" {
		tmpl = ex.r.URL.Path
	}
	ex.scopeKey = idempotency.ScopeKey(ex.r.Method, tmpl, ex.principal.Subject, ex.principal.OrgID, clientKey)
	rec := p.idem.Check(ex.r.Context(), ex.scopeKey)
	if rec == nil {
		return true
	}
	if rec.ContentType != "" {
		ex.w.Header().Set("Content-Type", rec.ContentType)
	}
	ex.w.Header().Set("Idempotency-Replay", "true")
	ex.w.WriteHeader(rec.StatusCode)
	ex.w.Write(rec.Body)
	return false
}

func (p *Pipeline) redactResponse(ex *exchange) bool {
	if enc := ex.bw.header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		// Compressed bytes cannot be scanned; the encoding guard
		// decides whether they may leave at all.
		ex.encoded = true
		ex.out = ex.bw.buf.Bytes()
		return true
	}
	res, err := p.redactor.Scrub(ex.bw.buf.Bytes())
	if err != nil {
		if p.flags.Enforced(flags.RedactionFailClosed) {
			p.logger.Error(ex.r.Context(), err, "response withheld, redaction fail-closed",
				"path", ex.r.URL.Path,
			)
			writeError(ex.w, http.StatusInternalServerError, "internal", "")
			return false
		}
		p.logger.Warn(ex.r.Context(), "redaction fail-closed downgraded to log-only",
			"path", ex.r.URL.Path,
			"error", err.Error(),
		)
		ex.out = ex.bw.buf.Bytes()
		return true
	}
	ex.out = res.Payload
	return true
}

func (p *Pipeline) writeIdempotency(ex *exchange) bool {
	// Only a successful mutation earns a record. Pinning a 4xx would
	// replay the failure for the whole TTL even after the cause clears.
	status := ex.bw.statusCode()
	if ex.scopeKey == "" || ex.encoded || status < 200 || status > 299 {
		return true
	}
	body := make([]byte, len(ex.out))
	copy(body, ex.out)
	p.idem.Save(ex.r.Context(), ex.scopeKey, &idempotency.Record{
		StatusCode:  status,
		ContentType: ex.bw.header.Get("Content-Type"),
		Body:        body,
	})
	return true
}

func (p *Pipeline) guardEncoding(ex *exchange) bool {
	if !ex.encoded || ex.spec.AllowEncoded {
		return true
	}
	p.logger.Error(ex.r.Context(), nil, "unexpectedly compressed response rejected",
		"path", ex.r.URL.Path,
		"content_encoding", ex.bw.header.Get("Content-Encoding"),
	)
	writeError(ex.w, http.StatusInternalServerError, "internal", "")
	return false
}

func (p *Pipeline) finishResponse(ex *exchange) bool {
	ex.bw.flush(ex.w, ex.out)
	return true
}

func (p *Pipeline) incAuthFailure(reason authn.Reason) {
	if p.metrics != nil {
		p.metrics.IncAuthFailure(string(reason))
	}
}

func (p *Pipeline) incMultipartRejection(reason upload.Reason) {
	if p.metrics != nil {
		p.metrics.IncMultipartRejection(string(reason))
	}
}
