package user

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CookieOptions decides the attributes of the token cookies.
type CookieOptions struct {
	Secure        bool
	SameSite      http.SameSite
	Path          string
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// Handler exposes HTTP endpoints for register / login / logout / refresh.
type Handler struct {
	svc     *Service
	cookies CookieOptions
	logger  *zap.SugaredLogger
}

func NewHandler(svc *Service, cookies CookieOptions, logger *zap.SugaredLogger) *Handler {
	if cookies.Path == "" {
		cookies.Path = "/"
	}
	if cookies.SameSite == 0 {
		cookies.SameSite = http.SameSiteNoneMode
	}
	// browsers drop SameSite=None cookies that are not Secure
	if !cookies.Secure && cookies.SameSite == http.SameSiteNoneMode {
		cookies.SameSite = http.SameSiteLaxMode
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, cookies: cookies, logger: logger}
}

// Response is the success envelope.
type Response struct {
	Status  int    `json:"status"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

// LoginRequest login payload.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest carries the refresh token when it is not sent as a cookie.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	h.setTokenCookies(w, res.Tokens)
	writeJSON(w, http.StatusOK, Response{Status: http.StatusOK, Data: res, Message: "Successful Registration"})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	h.setTokenCookies(w, res.Tokens)
	writeJSON(w, http.StatusOK, Response{Status: http.StatusOK, Data: res, Message: "Logged in successfully"})
}

// Logout must run behind Guard.Middleware.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	u, ok := CurrentUser(r.Context())
	if !ok {
		writeError(w, authErr(MsgUnauthorized, nil))
		return
	}
	if err := h.svc.Logout(r.Context(), u.ID); err != nil {
		h.fail(w, "logout", err)
		return
	}
	h.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, Response{Status: http.StatusOK, Data: struct{}{}, Message: "User logged out successfully"})
}

// Refresh reads the refresh token from its cookie, falling back to the body.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var presented string
	if c, err := r.Cookie(RefreshCookie); err == nil {
		presented = c.Value
	}
	if presented == "" {
		var req RefreshRequest
		if !h.decode(w, r, &req, true) {
			return
		}
		presented = req.RefreshToken
	}
	pair, err := h.svc.Refresh(r.Context(), presented)
	if err != nil {
		h.fail(w, "refresh", err)
		return
	}
	h.setTokenCookies(w, *pair)
	writeJSON(w, http.StatusOK, Response{Status: http.StatusOK, Data: pair, Message: "Access token refreshed"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return false
	}
	h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	return false
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if KindOf(err) == KindInternal {
		h.logger.Errorw(op+" failed", "err", err)
	} else {
		h.logger.Debugw(op+" rejected", "err", err)
	}
	writeError(w, err)
}

func (h *Handler) setTokenCookies(w http.ResponseWriter, p TokenPair) {
	http.SetCookie(w, h.cookie(AccessCookie, p.AccessToken, h.cookies.AccessMaxAge))
	http.SetCookie(w, h.cookie(RefreshCookie, p.RefreshToken, h.cookies.RefreshMaxAge))
}

func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie} {
		c := h.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

func (h *Handler) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     h.cookies.Path,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: h.cookies.SameSite,
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, KindOf(err).Status(), map[string]string{"error": MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
