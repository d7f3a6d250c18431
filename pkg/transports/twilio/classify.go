package twilio

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Role is what a connection is used for. A connection has exactly one role
// at a time.
type Role string

const (
	RoleMedia    Role = "media"
	RoleObserver Role = "observer"
)

var subprotocols = []string{"twilio", "media", "observer", "dashboard"}

// Classify decides the role of an incoming upgrade request. Explicit path and
// query markers win over the negotiated subprotocol, which wins over the
// user agent. Anything unrecognised is an observer.
func (rt *Router) Classify(r *http.Request) Role {
	if r == nil || r.URL == nil {
		return RoleObserver
	}
	switch r.URL.Path {
	case rt.cfg.MediaPath:
		return RoleMedia
	case rt.cfg.ObserverPath:
		return RoleObserver
	}
	q := r.URL.Query()
	switch strings.ToLower(q.Get("role")) {
	case "media":
		return RoleMedia
	case "observer":
		return RoleObserver
	}
	if strings.EqualFold(q.Get("source"), "twilio") {
		return RoleMedia
	}
	for _, p := range websocket.Subprotocols(r) {
		switch strings.ToLower(p) {
		case "twilio", "media":
			return RoleMedia
		case "observer", "dashboard":
			return RoleObserver
		}
	}
	ua := strings.ToLower(r.UserAgent())
	switch {
	case strings.Contains(ua, "twilio"):
		return RoleMedia
	case strings.Contains(ua, "mozilla"):
		return RoleObserver
	}
	return RoleObserver
}

// acceptTrack reports whether media on track should be transcribed.
func (rt *Router) acceptTrack(track string) bool {
	if track == "" || rt.cfg.Track == "both" {
		return true
	}
	return strings.EqualFold(track, rt.cfg.Track)
}
