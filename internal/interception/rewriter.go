// File: internal/interception/rewriter.go
package interception

import (
	"net/http"

	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/observability"
	"go.uber.org/zap"
)

// Request is the transport-neutral view of one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result describes what Rewrite did to a request.
type Result struct {
	Rule          string
	UserAgentSet  bool
	BodyRewritten bool
	Err           error
}

// Rewriter overwrites the User-Agent of outbound requests and injects the
// anti-bot token into the bodies of matching auth calls. It never fails a
// request: decode and encode errors are logged and the body is left as is.
type Rewriter struct {
	logger        *zap.Logger
	token         string
	userAgent     string
	allUserAgents bool
	rules         []Rule
}

// NewRewriter builds a Rewriter. DefaultRules are used when none are given.
func NewRewriter(cfg config.InterceptionConfig, logger *zap.Logger, rules ...Rule) *Rewriter {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Rewriter{
		logger:        logger.Named("rewriter"),
		token:         cfg.BrowserToken,
		userAgent:     cfg.UserAgent,
		allUserAgents: cfg.RewriteAllUserAgents,
		rules:         rules,
	}
}

// UserAgent is the value written to every rewritten request.
func (r *Rewriter) UserAgent() string { return r.userAgent }

// Rule returns the first rule matching the request.
func (r *Rewriter) Rule(method, rawURL string) (Rule, bool) {
	for _, rule := range r.rules {
		if rule.Matches(method, rawURL) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Rewrite mutates req in place.
func (r *Rewriter) Rewrite(req *Request) Result {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	rule, matched := r.Rule(req.Method, req.URL)

	var res Result
	if r.userAgent != "" && (matched || r.allUserAgents) {
		req.Header.Set("User-Agent", r.userAgent)
		res.UserAgentSet = true
	}
	if !matched {
		return res
	}
	res.Rule = rule.Name

	log := r.logger.With(zap.String("rule", rule.Name), zap.String("url", req.URL))
	if r.token == "" {
		log.Warn("No browser token configured; body left untouched.")
		return res
	}

	decoded, err := Decode(req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		log.Warn("Could not decode request body; sending it unmodified.", zap.Error(err), zap.Int("body_len", len(req.Body)))
		res.Err = err
		return res
	}
	decoded.Set(rule.Field, r.token)

	body, err := Encode(decoded)
	if err != nil {
		log.Warn("Could not re-encode request body; sending it unmodified.", zap.Error(err))
		res.Err = err
		return res
	}

	req.Body = body
	req.Header.Set("Content-Type", decoded.ContentType)
	req.Header.Del("Content-Length")
	res.BodyRewritten = true

	log.Debug("Injected token into request body.",
		zap.String("field", rule.Field),
		zap.Stringer("encoding", decoded.Encoding),
		observability.Secret("token", r.token),
	)
	return res
}
