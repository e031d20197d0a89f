package capability

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/BSVanon/ClawSats-sub000/pkg/health"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/log"
	"github.com/BSVanon/ClawSats-sub000/pkg/netcheck"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

const (
	// fetchMaxBytes caps the fetch_url response body regardless of what the
	// caller asks for.
	fetchMaxBytes = 100000

	// hopLimit bounds broadcast_listing re-relays.
	hopLimit = 2

	// audienceLimit bounds how many peers one relay request may touch.
	audienceLimit = 10

	// relayTimeout is the per-peer fan-out deadline.
	relayTimeout = 5 * time.Second
)

var dnsTypes = map[string]uint16{
	"A":    dns.TypeA,
	"AAAA": dns.TypeAAAA,
	"MX":   dns.TypeMX,
	"TXT":  dns.TypeTXT,
	"NS":   dns.TypeNS,
}

func fetchURLHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
		rawURL, err := stringParam(params, "url")
		if err != nil {
			return nil, err
		}
		if err := netcheck.ValidatePublicURL(rawURL); err != nil {
			return nil, fmt.Errorf("url rejected: %w", err)
		}

		method := http.MethodGet
		if m, ok := params["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
		if method != http.MethodGet && method != http.MethodHead {
			return nil, fmt.Errorf("method %s not allowed, want GET or HEAD", method)
		}

		limit := int64(fetchMaxBytes)
		if mb, ok := numberParam(params, "maxBytes"); ok && mb > 0 && mb < limit {
			limit = mb
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := deps.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}

		sum := sha256.Sum256(body)
		digest := hex.EncodeToString(sum[:])
		sig, err := w.Sign(ctx, sum[:], wallet.MessageProtocol, wallet.MessageKeyID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to sign body hash: %w", err)
		}

		return map[string]any{
			"url":         rawURL,
			"status":      resp.StatusCode,
			"contentType": resp.Header.Get("Content-Type"),
			"bytes":       len(body),
			"body":        base64.StdEncoding.EncodeToString(body),
			"sha256":      digest,
			"signedBy":    w.IdentityKey(),
			"signature":   base64.StdEncoding.EncodeToString(sig),
		}, nil
	}
}

func dnsResolveHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	hostname, err := stringParam(params, "hostname")
	if err != nil {
		return nil, err
	}
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if hostname == "localhost" || strings.HasSuffix(hostname, ".local") || strings.HasSuffix(hostname, ".internal") {
		return nil, fmt.Errorf("hostname %q is blocked", hostname)
	}

	recordType := "A"
	if t, ok := params["type"].(string); ok && t != "" {
		recordType = strings.ToUpper(t)
	}
	qtype, ok := dnsTypes[recordType]
	if !ok {
		return nil, fmt.Errorf("record type %s not supported", recordType)
	}

	server := upstreamResolver()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: 5 * time.Second}
	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("dns query failed: %w", err)
	}

	records := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		records = append(records, formatRR(rr))
	}
	return map[string]any{
		"hostname": hostname,
		"type":     recordType,
		"rcode":    dns.RcodeToString[resp.Rcode],
		"records":  records,
	}, nil
}

func peerHealthHandler(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
	endpoint, err := stringParam(params, "endpoint")
	if err != nil {
		return nil, err
	}
	if err := netcheck.ValidatePublicURL(endpoint); err != nil {
		return nil, fmt.Errorf("endpoint rejected: %w", err)
	}

	checker := health.NewHTTPChecker(strings.TrimRight(endpoint, "/") + "/health")
	result := checker.Check(ctx)

	return map[string]any{
		"endpoint":   endpoint,
		"healthy":    result.Healthy,
		"message":    result.Message,
		"durationMs": result.Duration.Milliseconds(),
	}, nil
}

func broadcastListingHandler(deps Deps) Handler {
	return func(ctx context.Context, params map[string]any, w wallet.Gateway) (any, error) {
		manifest, ok := params["manifest"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("manifest object required")
		}
		manifestKey, _ := manifest["identityKey"].(string)
		manifestID, _ := manifest["id"].(string)
		if manifestKey == "" {
			return nil, fmt.Errorf("manifest is missing identityKey")
		}

		hop := int64(0)
		if h, ok := numberParam(params, "hopCount"); ok {
			hop = h
		}
		if hop >= hopLimit {
			return nil, fmt.Errorf("hop count %d at limit, not relaying", hop)
		}

		audience := int64(audienceLimit)
		if mp, ok := numberParam(params, "maxPeers"); ok && mp > 0 && mp < audience {
			audience = mp
		}

		dedupeKey, _ := params["dedupeKey"].(string)
		if dedupeKey == "" {
			dedupeKey = manifestKey + ":" + manifestID
		}
		if !deps.RelaySeen.CheckAndRemember(dedupeKey) {
			return map[string]any{"notified": []string{}, "hop": hop + 1, "deduped": true}, nil
		}

		// Tag the relay so downstream nodes can credit the introducer, then
		// re-sign: mutating referredBy voids the original signature, and
		// receivers verify forwarded announcements against the relay's key.
		annJSON, err := json.Marshal(manifest)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal manifest: %w", err)
		}
		var ann types.Announcement
		if err := json.Unmarshal(annJSON, &ann); err != nil {
			return nil, fmt.Errorf("manifest is not an announcement: %w", err)
		}
		ann.ReferredBy = w.IdentityKey()
		signed, err := invite.SignAnnouncement(ctx, w, ann)
		if err != nil {
			return nil, fmt.Errorf("failed to re-sign relayed announcement: %w", err)
		}
		payload, err := json.Marshal(signed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relayed announcement: %w", err)
		}

		notified := make([]string, 0, audience)
		for _, peer := range deps.Peers.All() {
			if int64(len(notified)) >= audience {
				break
			}
			if peer.Endpoint == "" || peer.IdentityKey == manifestKey {
				continue
			}
			if err := postAnnouncement(ctx, deps.HTTPClient, peer.Endpoint, payload); err != nil {
				log.WithComponent("broadcast").Debug().Err(err).Str("endpoint", peer.Endpoint).Msg("relay failed")
				continue
			}
			notified = append(notified, peer.Endpoint)
		}

		return map[string]any{
			"notified": notified,
			"hop":      hop + 1,
		}, nil
	}
}

func postAnnouncement(ctx context.Context, client *http.Client, endpoint string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()

	target, err := url.JoinPath(endpoint, "wallet", "announce")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("announce endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func upstreamResolver() string {
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		return cfg.Servers[0] + ":" + cfg.Port
	}
	return "1.1.1.1:53"
}

func formatRR(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.MX:
		return fmt.Sprintf("%d %s", v.Preference, v.Mx)
	case *dns.TXT:
		return strings.Join(v.Txt, "")
	case *dns.NS:
		return v.Ns
	default:
		return rr.String()
	}
}

// numberParam reads a numeric param that may arrive as float64 (JSON) or int.
func numberParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
