package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"snappyar-notifier/auth"
)

type credentials struct {
	Domain    string `json:"domain"`
	Cellphone string `json:"cellphone"`
	Password  string `json:"password,omitempty"`
	Code      string `json:"code,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.options.Flow().Status(r.Context(), domainParam(r)))
}

func (s *Server) handleLoginPassword(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decode(w, r, &c) {
		return
	}
	st, err := s.options.Flow().LoginPassword(r.Context(), c.Domain, c.Cellphone, c.Password)
	if err != nil {
		s.logger.Warn("Password login failed", "domain", c.Domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decode(w, r, &c) {
		return
	}
	remaining, err := s.options.Flow().RequestOTP(r.Context(), c.Domain, c.Cellphone)
	if errors.Is(err, auth.ErrResendLocked) {
		w.Header().Set("Retry-After", retryAfter(remaining))
	}
	if err != nil {
		s.logger.Warn("OTP request failed", "domain", c.Domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_in_seconds": int(remaining.Seconds())})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if !decode(w, r, &c) {
		return
	}
	st, err := s.options.Flow().VerifyOTP(r.Context(), c.Domain, c.Cellphone, c.Code)
	if err != nil {
		s.logger.Warn("OTP verification failed", "domain", c.Domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	if err := s.options.Logout(r.Context(), domain); err != nil {
		s.logger.Error("Logout failed", "domain", domain, "error", err)
		writeError(w, statusFor(err), "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, s.options.Flow().Status(r.Context(), domain))
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	return strconv.Itoa(max(secs, 1))
}
