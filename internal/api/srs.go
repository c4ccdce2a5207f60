package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"paystream/internal/session"
)

const sourceVariant = "source"

// SRS reply codes. Anything other than 0 makes the edge refuse the action.
const (
	codeOK      = 0
	codeError   = 1
	codeInvalid = 2
)

var errIncompleteSegment = errors.New("on_hls requires duration and client_id")

type srsHookRequest struct {
	Action   string   `json:"action"`
	ClientID string   `json:"client_id"`
	IP       string   `json:"ip"`
	Vhost    string   `json:"vhost"`
	App      string   `json:"app"`
	Stream   string   `json:"stream"`
	Param    string   `json:"param"`
	Duration *float64 `json:"duration"`
	File     string   `json:"file"`
	URL      string   `json:"url"`
}

type srsHookReply struct {
	Code int         `json:"code"`
	Data *srsURLList `json:"data,omitempty"`
}

type srsURLList struct {
	URLs []string `json:"urls"`
}

// SRSHook processes SRS http_hooks callbacks. Publishes on the source
// variant drive the session lifecycle and metering; forwards are answered
// for every variant.
func (h *Handler) SRSHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx := r.Context()
	if !h.hookAuthorized(r) {
		h.logger(ctx).Warn("srs hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req srsHookRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		h.logger(ctx).Warn("srs hook body rejected", "error", err)
		h.reply(w, "", srsHookReply{Code: codeInvalid})
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if strings.TrimSpace(req.Stream) == "" || strings.TrimSpace(req.App) == "" {
		h.reply(w, action, srsHookReply{Code: codeInvalid})
		return
	}

	route, variant := splitApp(req.App)
	info := session.IngestInfo{
		App:       route,
		Variant:   variant,
		StreamKey: strings.TrimSpace(req.Stream),
		EdgeAddr:  edgeHost(r.RemoteAddr),
		ClientID:  strings.TrimSpace(req.ClientID),
	}
	logger := h.logger(ctx).With("action", action, "app", route, "variant", variant, "client_id", info.ClientID, "edge", info.EdgeAddr)

	reply, err := h.dispatch(ctx, action, req, info)
	if err != nil {
		logger.Warn("srs hook failed", "kind", session.Kind(err), "error", err)
		reply = srsHookReply{Code: codeError}
	} else {
		logger.Debug("srs hook handled", "code", reply.Code)
	}
	h.reply(w, action, reply)
}

func (h *Handler) dispatch(ctx context.Context, action string, req srsHookRequest, info session.IngestInfo) (srsHookReply, error) {
	if action == "on_forward" {
		m, err := h.Resolver.ResolveOrCreate(ctx, info)
		if err != nil {
			return srsHookReply{}, err
		}
		urls, err := m.OnForward(ctx)
		if err != nil {
			return srsHookReply{}, err
		}
		return srsHookReply{Code: codeOK, Data: &srsURLList{URLs: urls}}, nil
	}
	if info.Variant != sourceVariant {
		return srsHookReply{Code: codeOK}, nil
	}

	switch action {
	case "on_publish":
		m, err := h.Resolver.ResolveOrCreate(ctx, info)
		if err != nil {
			return srsHookReply{}, err
		}
		return srsHookReply{Code: codeOK}, m.StreamStarted(ctx)
	case "on_unpublish":
		m, err := h.Resolver.ResolveForStream(ctx, info)
		if err != nil {
			return srsHookReply{}, err
		}
		return srsHookReply{Code: codeOK}, m.StreamStopped(ctx)
	case "on_hls":
		if req.Duration == nil || info.ClientID == "" {
			return srsHookReply{}, errIncompleteSegment
		}
		m, err := h.Resolver.ResolveForStream(ctx, info)
		if err != nil {
			return srsHookReply{}, err
		}
		if err := m.ConsumeQuota(ctx, *req.Duration); err != nil {
			return srsHookReply{}, err
		}
		segment := strings.TrimSpace(req.URL)
		if segment == "" {
			segment = strings.TrimSpace(req.File)
		}
		if segment != "" {
			return srsHookReply{Code: codeOK}, m.OnDvr(ctx, h.segmentURL(info.EdgeAddr, segment))
		}
		return srsHookReply{Code: codeOK}, nil
	case "on_dvr":
		m, err := h.Resolver.ResolveForStream(ctx, info)
		if err != nil {
			return srsHookReply{}, err
		}
		return srsHookReply{Code: codeOK}, m.OnDvr(ctx, h.segmentURL(info.EdgeAddr, strings.TrimSpace(req.File)))
	default:
		return srsHookReply{}, fmt.Errorf("unsupported action %q", action)
	}
}

func (h *Handler) segmentURL(edgeAddr, segment string) string {
	if segment == "" || h.Segments == nil {
		return segment
	}
	return h.Segments.SegmentURL(edgeAddr, segment)
}

func (h *Handler) reply(w http.ResponseWriter, action string, reply srsHookReply) {
	if action == "" {
		action = "unknown"
	}
	h.Metrics.ObserveHook(action, reply.Code)
	writeJSON(w, http.StatusOK, reply)
}
