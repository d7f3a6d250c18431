package twilio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/session"
	twilioclient "github.com/twilio/twilio-go/client"
)

// handleVoice answers the call webhook with TwiML that opens a media stream
// and reserves a session for the CallSid.
func (rt *Router) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if rt.cfg.AuthToken != "" && !rt.validateTwilioRequest(r) {
		rt.log.Warn("twilio_invalid_signature", errorsx.ReasonAttr(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if callSID := r.FormValue("CallSid"); callSID != "" {
		rt.log.Info("voice_webhook",
			slog.String("call_id", callSID),
			slog.String("caller", redact.Number(r.FormValue("From"))))
		if _, err := rt.registry.Preregister(callSID); err != nil {
			if errors.Is(err, session.ErrDraining) {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			rt.log.Warn("preregister_failed", slog.String("call_id", callSID), slog.String("error", err.Error()))
		}
	}
	twiml := streamTwiML(rt.websocketURL(r), rt.cfg.VoiceGreeting, rt.cfg.Track)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (rt *Router) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if rt.cfg.AuthToken != "" && !rt.validateTwilioRequest(r) {
		rt.log.Warn("twilio_status_invalid_signature", errorsx.ReasonAttr(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	reason := normalizeCallEndReason(status)
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if rt.registry.Stop(callSID, frames.EndStatusCallback) {
		rt.log.Info("status_callback_stop", slog.String("call_id", callSID), slog.String("call_status", reason))
	}
	w.WriteHeader(http.StatusOK)
}

// streamTwiML connects the call to a media stream at wsURL. <Connect> only
// carries the inbound track, so other tracks fork the audio with <Start> and
// hold the call open with a long pause.
func streamTwiML(wsURL, greeting, track string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	if g := strings.TrimSpace(greeting); g != "" {
		b.WriteString("<Say>" + xmlEscape(g) + "</Say>")
	}
	stream := `<Stream url="` + xmlEscape(wsURL) + `"`
	switch strings.ToLower(track) {
	case frames.TrackOutbound:
		b.WriteString("<Start>" + stream + ` track="outbound_track"/></Start><Pause length="3600"/>`)
	case frames.TrackBoth:
		b.WriteString("<Start>" + stream + ` track="both_tracks"/></Start><Pause length="3600"/>`)
	default:
		b.WriteString("<Connect>" + stream + "/></Connect>")
	}
	b.WriteString("</Response>")
	return b.String()
}

func mediaStreamURL(cfg Config) string {
	return "wss://" + normalizePublicURL(cfg.PublicURL) + cfg.MediaPath
}

func (rt *Router) websocketURL(r *http.Request) string {
	if rt.cfg.PublicURL != "" {
		return mediaStreamURL(rt.cfg)
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(rt.cfg.ServerAddr, ":")
	}
	return "wss://" + host + rt.cfg.MediaPath
}

func (rt *Router) voiceWebhookURL() string {
	return publicURL(rt.cfg, rt.cfg.VoicePath)
}

func (rt *Router) statusCallbackURL() string {
	return publicURL(rt.cfg, rt.cfg.StatusCallbackPath)
}

func publicURL(cfg Config, path string) string {
	if cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(cfg.PublicURL) + path
	}
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (rt *Router) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || rt.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(rt.cfg.AuthToken)
	return validator.ValidateBody(rt.requestURL(r), body, signature)
}

func (rt *Router) requestURL(r *http.Request) string {
	if rt.cfg.PublicURL != "" {
		base := strings.TrimRight(rt.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(rt.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (rt *Router) checkOrigin(r *http.Request) bool {
	if rt.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range rt.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

// normalizeCallEndReason maps a Twilio CallStatus to a terminal reason, or ""
// while the call is still alive.
func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "queued", "initiated", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
