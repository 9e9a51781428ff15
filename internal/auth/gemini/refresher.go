package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshSkew treats tokens this close to expiry as expired.
	DefaultRefreshSkew = 5 * time.Minute
	// refreshTimeout bounds a single refresh exchange independently of the callers waiting on it.
	refreshTimeout = 30 * time.Second
	refreshKey     = "refresh"
)

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	TokenURL   string
	HTTPClient *http.Client
	Skew       time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Refresher hands out valid access tokens and performs at most one refresh at a time.
// Concurrent callers that find the token expired wait on the same exchange.
type Refresher struct {
	store      *Store
	clients    *ClientSecretResolver
	tokenURL   string
	httpClient *http.Client
	skew       time.Duration
	now        func() time.Time

	group singleflight.Group
}

// NewRefresher builds a refresher over store.
func NewRefresher(store *Store, clients *ClientSecretResolver, opts RefresherOptions) *Refresher {
	r := &Refresher{
		store:      store,
		clients:    clients,
		tokenURL:   strings.TrimSpace(opts.TokenURL),
		httpClient: opts.HTTPClient,
		skew:       opts.Skew,
		now:        opts.Now,
	}
	if r.tokenURL == "" {
		r.tokenURL = "https://oauth2.googleapis.com/token"
	}
	if r.httpClient == nil {
		r.httpClient = http.DefaultClient
	}
	if r.skew <= 0 {
		r.skew = DefaultRefreshSkew
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Store returns the underlying credential store.
func (r *Refresher) Store() *Store {
	return r.store
}

// RefreshAvailable reports whether creds could be refreshed if they expired.
func (r *Refresher) RefreshAvailable(creds *Credentials) bool {
	if !creds.CanRefresh() {
		return false
	}
	_, ok := r.clients.Resolve(creds)
	return ok
}

// EnsureValid returns credentials whose access token is usable now, refreshing
// them first when needed. Cancelling ctx abandons the wait but not the refresh.
func (r *Refresher) EnsureValid(ctx context.Context) (*Credentials, error) {
	creds, errCurrent := r.store.Current()
	if errCurrent != nil {
		return nil, errCurrent
	}
	if !creds.Expired(r.now(), r.skew) {
		return creds, nil
	}
	if !creds.CanRefresh() {
		return nil, interfaces.NewError(interfaces.KindRefreshUnavailable,
			"access token expired and the credentials file has no refresh_token; log in with the Gemini CLI again", nil)
	}

	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	}
}

func (r *Refresher) refresh(parent context.Context) (*Credentials, error) {
	// Another flight may already have replaced the snapshot, or the file may have
	// been refreshed externally and reloaded.
	current, errCurrent := r.store.Current()
	if errCurrent != nil {
		return nil, errCurrent
	}
	if !current.Expired(r.now(), r.skew) {
		return current, nil
	}

	client, ok := r.clients.Resolve(current)
	if !ok {
		return nil, interfaces.NewError(interfaces.KindRefreshUnavailable,
			"access token expired and no OAuth client id/secret is configured; set GEMINI_OAUTH_CLIENT_ID and GEMINI_OAUTH_CLIENT_SECRET", nil)
	}

	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	conf := &oauth2.Config{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	log.Debugf("refreshing access token using OAuth client from %s", client.Source)
	token, errToken := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if errToken != nil {
		return nil, classifyRefreshError(errToken)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, interfaces.NewError(interfaces.KindRefreshUnavailable, "token endpoint returned no access_token", nil)
	}

	idToken, _ := token.Extra("id_token").(string)
	scope, _ := token.Extra("scope").(string)
	next := current.WithToken(token.AccessToken, token.RefreshToken, idToken, token.TokenType, scope, token.Expiry)
	if errCommit := r.store.Commit(next); errCommit != nil {
		log.Warnf("access token refreshed but not persisted: %v", errCommit)
	}
	log.Infof("access token refreshed, expires at %s", next.ExpiresAt.Format(time.RFC3339))
	return next, nil
}

// classifyRefreshError maps a token endpoint failure onto the error taxonomy.
// The endpoint body is never echoed; only the OAuth error code and description are kept.
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		detail := strings.TrimSpace(retrieveErr.ErrorCode)
		if desc := strings.TrimSpace(retrieveErr.ErrorDescription); desc != "" {
			detail = strings.TrimSpace(detail + ": " + desc)
		}
		if detail == "" {
			detail = fmt.Sprintf("status %d", status)
		}
		if retrieveErr.ErrorCode == "invalid_grant" || (status >= 400 && status < 500) {
			return interfaces.NewError(interfaces.KindRefreshRejected,
				"token endpoint rejected the refresh token ("+detail+"); log in with the Gemini CLI again", nil)
		}
		return interfaces.NewError(interfaces.KindRefreshUnavailable, "token endpoint unavailable ("+detail+")", nil)
	}
	return interfaces.NewError(interfaces.KindRefreshUnavailable, "token endpoint unreachable", err)
}
