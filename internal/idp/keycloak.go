package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/klassbridge/rostersync/internal/syncerr"
)

// Tokens are refreshed this long before their reported expiry.
const tokenSkew = 30 * time.Second

type KeycloakConfig struct {
	BaseURL      string // https://idp.example.com
	Realm        string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration // per-request; default 30s
}

// Keycloak implements Client against the Keycloak admin REST API using an
// OAuth2 client-credentials grant. One cached access token is shared across
// requests and refreshed 30s before expiry; a 401 invalidates it and the
// request is retried exactly once.
type Keycloak struct {
	http *http.Client
	base string // {BaseURL}/admin/realms/{Realm}
	cc   clientcredentials.Config
	log  *zap.Logger
	now  func() time.Time

	mu  sync.Mutex
	tok *oauth2.Token
}

var _ Client = (*Keycloak)(nil)

func NewKeycloak(cfg KeycloakConfig, log *zap.Logger) *Keycloak {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	return &Keycloak{
		http: &http.Client{Timeout: cfg.Timeout},
		base: base + "/admin/realms/" + url.PathEscape(cfg.Realm),
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     base + "/realms/" + url.PathEscape(cfg.Realm) + "/protocol/openid-connect/token",
		},
		log: log,
		now: time.Now,
	}
}

/* ---- Token cache ---- */

func (k *Keycloak) token(ctx context.Context, force bool) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !force && k.tok != nil && k.now().Before(k.tok.Expiry.Add(-tokenSkew)) {
		return k.tok.AccessToken, nil
	}
	// Route the exchange through our timeout-bearing client.
	tctx := context.WithValue(ctx, oauth2.HTTPClient, k.http)
	tok, err := k.cc.Token(tctx)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindAuth, err, "token exchange failed")
	}
	if tok.AccessToken == "" {
		return "", syncerr.Auth("empty access_token in token response")
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = k.now().Add(time.Minute)
	}
	k.tok = tok
	k.log.Info("idp token refreshed", zap.Time("expires", tok.Expiry))
	return tok.AccessToken, nil
}

func (k *Keycloak) invalidate() {
	k.mu.Lock()
	k.tok = nil
	k.mu.Unlock()
}

/* ---- Request plumbing ---- */

// do executes one authorized admin request. On 401 the cached token is
// dropped and the request replayed once with a forced refresh; a second 401
// is left for the caller's status check.
func (k *Keycloak) do(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		tok, err := k.token(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}
		var rd io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			rd = bytes.NewReader(buf)
		}
		u := k.base + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := k.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			k.invalidate()
			k.log.Warn("idp returned 401, retrying with fresh token",
				zap.String("method", method), zap.String("path", path))
			continue
		}
		return resp, nil
	}
}

// getJSON runs a GET and decodes a 2xx body into out.
func (k *Keycloak) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	resp, err := k.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return k.fail(op, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fail converts a non-2xx response into the matching error kind. The body
// hint is capped to keep job logs readable.
func (k *Keycloak) fail(op string, resp *http.Response) error {
	hint := bodyHint(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return &syncerr.Error{Kind: syncerr.KindAuth, Status: resp.StatusCode,
			Msg: op + ": unauthorized after token refresh"}
	}
	return syncerr.Remote(resp.StatusCode, op, hint)
}

func bodyHint(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func pageQuery(first, max int) url.Values {
	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	q.Set("max", strconv.Itoa(max))
	return q
}

/* ---- Admin API operations ---- */

func (k *Keycloak) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := k.getJSON(ctx, "count users", "/users/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (k *Keycloak) ListUsers(ctx context.Context, first, max int) ([]User, error) {
	return k.SearchUsers(ctx, "", first, max)
}

func (k *Keycloak) SearchUsers(ctx context.Context, search string, first, max int) ([]User, error) {
	q := pageQuery(first, max)
	// Full records so attribute-based teacher detection has its inputs.
	q.Set("briefRepresentation", "false")
	if search != "" {
		q.Set("search", search)
	}
	var users []User
	if err := k.getJSON(ctx, "list users", "/users", q, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (k *Keycloak) ListGroups(ctx context.Context, first, max int) ([]Group, error) {
	var groups []Group
	if err := k.getJSON(ctx, "list groups", "/groups", pageQuery(first, max), &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (k *Keycloak) ListGroupMembers(ctx context.Context, groupID string, first, max int) ([]User, error) {
	q := pageQuery(first, max)
	q.Set("briefRepresentation", "false")
	path := "/groups/" + url.PathEscape(groupID) + "/members"
	var members []User
	if err := k.getJSON(ctx, "list group members", path, q, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (k *Keycloak) GetUserGroups(ctx context.Context, userID string) ([]Group, error) {
	path := "/users/" + url.PathEscape(userID) + "/groups"
	var groups []Group
	if err := k.getJSON(ctx, "get user groups", path, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateUser posts a new user and returns the id the provider assigned,
// parsed from the Location header.
func (k *Keycloak) CreateUser(ctx context.Context, u User) (string, error) {
	resp, err := k.do(ctx, http.MethodPost, "/users", nil, u)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", &syncerr.Error{Kind: syncerr.KindConflict, Status: resp.StatusCode,
			ID: u.Username, Msg: "user already exists"}
	}
	if resp.StatusCode/100 != 2 {
		return "", k.fail("create user", resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", syncerr.Remote(resp.StatusCode, "create user", "missing Location header")
	}
	parts := strings.Split(strings.TrimSuffix(loc, "/"), "/")
	return parts[len(parts)-1], nil
}

func (k *Keycloak) UpdateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return syncerr.Validation(u.Username, "update user: missing id")
	}
	resp, err := k.do(ctx, http.MethodPut, "/users/"+url.PathEscape(u.ID), nil, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return k.fail("update user", resp)
	}
	drainRest(resp.Body)
	return nil
}

func (k *Keycloak) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	path := "/users/" + url.PathEscape(userID) + "/groups/" + url.PathEscape(groupID)
	resp, err := k.do(ctx, http.MethodPut, path, nil, struct{}{})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return k.fail("add user to group", resp)
	}
	drainRest(resp.Body)
	return nil
}

func (k *Keycloak) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	path := "/users/" + url.PathEscape(userID) + "/groups/" + url.PathEscape(groupID)
	resp, err := k.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Already absent is fine for a removal.
	if resp.StatusCode == http.StatusNotFound {
		drainRest(resp.Body)
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return k.fail("remove user from group", resp)
	}
	drainRest(resp.Body)
	return nil
}

func drainRest(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}

// String identifies the client in logs without leaking credentials.
func (k *Keycloak) String() string {
	return fmt.Sprintf("keycloak(%s)", k.base)
}
