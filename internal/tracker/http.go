package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

const maxResponseSize = 1 << 20

// HTTPAnnouncer announces over HTTP GET and decodes the bencoded reply.
type HTTPAnnouncer struct {
	base   *url.URL
	client *http.Client
	log    *slog.Logger

	mu        sync.Mutex
	trackerID string
}

func NewHTTPAnnouncer(u *url.URL, log *slog.Logger) *HTTPAnnouncer {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	return &HTTPAnnouncer{
		base:   u,
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:    log.With("url", u.Redacted()),
	}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.announceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("tracker: status %d: %s", resp.StatusCode, body)
	}

	r, err := h.parse(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		h.mu.Lock()
		h.trackerID = r.TrackerID
		h.mu.Unlock()
	}
	return r, nil
}

func (h *HTTPAnnouncer) announceURL(params *AnnounceParams) string {
	u := *h.base
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.FormatUint(uint64(params.NumWant), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	h.mu.Lock()
	if h.trackerID != "" {
		q.Set("trackerid", h.trackerID)
	}
	h.mu.Unlock()

	u.RawQuery = q.Encode()
	return u.String()
}

func (h *HTTPAnnouncer) parse(r io.Reader) (*AnnounceResponse, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: response is %T, want dict", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("%w: %s", ErrFailure, reason)
	}
	if warning, ok := dict["warning message"].(string); ok {
		h.log.Warn("tracker warning", "message", warning)
	}

	var peers []netip.AddrPort
	for _, key := range []string{"peers", "peers6"} {
		v, ok := dict[key]
		if !ok {
			continue
		}
		ps, err := decodePeers(v, key == "peers6")
		if err != nil {
			return nil, fmt.Errorf("tracker: %s: %w", key, err)
		}
		peers = append(peers, ps...)
	}

	trackerID, _ := dict["tracker id"].(string)

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    seconds(dict["interval"]),
		MinInterval: seconds(dict["min interval"]),
		Seeders:     integer(dict["complete"]),
		Leechers:    integer(dict["incomplete"]),
		Peers:       peers,
	}, nil
}

func integer(v any) int64 {
	n, _ := v.(int64)
	return n
}

func seconds(v any) time.Duration {
	return time.Duration(integer(v)) * time.Second
}
