package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
)

// CallbackState is a step of the authorization-code callback.
type CallbackState int

const (
	StateAwaitingCode CallbackState = iota
	StateValidatingInputs
	StateExchangingCode
	StateAuthenticated
	StateFailed
)

func (s CallbackState) String() string {
	switch s {
	case StateAwaitingCode:
		return "awaiting_code"
	case StateValidatingInputs:
		return "validating_inputs"
	case StateExchangingCode:
		return "exchanging_code"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Failure reasons. Only the client-facing reason codes leave the server.
const (
	FailureIdPError       = "idp_error"
	FailureNoCode         = "no_code"
	FailureNoVerifier     = "no_verifier"
	FailureExchangeFailed = "exchange_failed"

	ReasonCallbackFailed = "callback_failed"
)

// CallbackOutcome is the terminal state of one callback attempt.
type CallbackOutcome struct {
	State   CallbackState
	Failure string
	// Reason is the machine-readable code shown to the client on failure.
	Reason string
	Tokens TokenSet
	Err    error
}

// CodeExchanger redeems an authorization code. *TokenClient satisfies it.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, verifier, redirectURI string) (TokenSet, error)
}

// CallbackHandler drives the post-redirect code-to-token state machine.
type CallbackHandler struct {
	exchanger   CodeExchanger
	store       *TokenStore
	ledger      *VerifierLedger
	redirectURI string
	loginPath   string
	successPath string
	logger      *slog.Logger
}

// NewCallbackHandler wires the callback handler.
func NewCallbackHandler(exchanger CodeExchanger, store *TokenStore, ledger *VerifierLedger, cfg Config, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		exchanger:   exchanger,
		store:       store,
		ledger:      ledger,
		redirectURI: cfg.RedirectURI(),
		loginPath:   cfg.Routes.LoginPath,
		successPath: cfg.Routes.AfterLoginPath,
		logger:      logger,
	}
}

// Run evaluates the callback parameters against the stored verifier.
// The verifier is consumed whatever the outcome. Failures are counted here;
// success is counted by ServeHTTP once the tokens are persisted.
func (h *CallbackHandler) Run(ctx context.Context, params url.Values, verifier string) CallbackOutcome {
	state := StateAwaitingCode
	h.logger.Debug("callback.transition", "state", state.String())

	// Consuming up front makes concurrent replays of one verifier race to a single winner.
	fresh := verifier != "" && h.ledger.Consume(verifier)

	if code := params.Get("error"); code != "" {
		err := &IdPError{Code: code, Description: params.Get("error_description")}
		reason := code
		if !validErrorCode(code) {
			reason = ReasonCallbackFailed
		}
		return h.fail(FailureIdPError, reason, err)
	}

	state = StateValidatingInputs
	h.logger.Debug("callback.transition", "state", state.String())

	code := params.Get("code")
	if code == "" {
		return h.fail(FailureNoCode, FailureNoCode, ErrMissingCode)
	}
	if !fresh {
		return h.fail(FailureNoVerifier, FailureNoVerifier, ErrMissingVerifier)
	}

	state = StateExchangingCode
	h.logger.Debug("callback.transition", "state", state.String(), "code_prefix", code[:min(8, len(code))])

	tokens, err := h.exchanger.Exchange(ctx, code, verifier, h.redirectURI)
	if err != nil {
		return h.fail(FailureExchangeFailed, ReasonCallbackFailed, err)
	}

	return CallbackOutcome{State: StateAuthenticated, Tokens: tokens}
}

func (h *CallbackHandler) fail(failure, reason string, err error) CallbackOutcome {
	callbackOutcomes.WithLabelValues(failure).Inc()
	return CallbackOutcome{State: StateFailed, Failure: failure, Reason: reason, Err: err}
}

// ServeHTTP handles the provider redirect back to the application.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cookies := h.store.ForRequest(w, r)
	verifier, _ := cookies.Verifier()
	cookies.DiscardVerifier()

	outcome := h.Run(r.Context(), r.URL.Query(), verifier)
	if outcome.State == StateAuthenticated {
		if err := cookies.Replace(outcome.Tokens); err != nil {
			outcome = h.fail(FailureExchangeFailed, ReasonCallbackFailed, err)
		}
	}

	if outcome.State != StateAuthenticated {
		attrs := []any{
			"request_id", RequestIDFromContext(r.Context()),
			"failure", outcome.Failure,
			"reason", outcome.Reason,
			"error", outcome.Err,
		}
		var idpErr *IdPError
		if errors.Is(outcome.Err, ErrCodeExchange) || errors.Is(outcome.Err, ErrConfigFetch) {
			h.logger.Error("callback failed", attrs...)
		} else if errors.As(outcome.Err, &idpErr) {
			h.logger.Warn("provider returned error", attrs...)
		} else {
			h.logger.Warn("callback rejected", attrs...)
		}
		http.Redirect(w, r, loginURL(h.loginPath, outcome.Reason), http.StatusFound)
		return
	}

	callbackOutcomes.WithLabelValues("authenticated").Inc()
	h.logger.Info("login completed", "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, h.successPath, http.StatusFound)
}

func loginURL(loginPath, reason string) string {
	if reason == "" {
		return loginPath
	}
	return loginPath + "?" + url.Values{"error": {reason}}.Encode()
}

// validErrorCode accepts the OAuth error-code charset (RFC 6749 section 5.2).
func validErrorCode(code string) bool {
	if len(code) > 64 {
		return false
	}
	for _, c := range code {
		if c < 0x20 || c > 0x7e || c == '"' || c == '\\' {
			return false
		}
	}
	return true
}
