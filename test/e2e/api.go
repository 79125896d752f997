package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/micromdm/nanoapns/api"
)

// Doer executes an HTTP request.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// handlerDoer dispatches requests directly to an HTTP handler.
type handlerDoer struct {
	handler http.Handler
}

// NewHandlerClient creates a Doer that dispatches to handler without a network.
func NewHandlerClient(handler http.Handler) Doer {
	return &handlerDoer{handler: handler}
}

func (d *handlerDoer) Do(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	d.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

// httpErrors returns an error if resp is not a successful response.
func httpErrors(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("HTTP status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

type apiClient struct {
	doer          Doer
	urlCredential string
	urlPush       string
}

// StoreCertificate uploads a concatenated PEM certificate and key.
func (a *apiClient) StoreCertificate(ctx context.Context, pemCert, pemKey []byte) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPut,
		a.urlCredential,
		io.MultiReader( // concat the cert and key together as expected
			bytes.NewBuffer(pemCert),
			bytes.NewBuffer(pemKey),
		),
	)
	if err != nil {
		return err
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return httpErrors(resp)
}

// StoreTokenKey uploads a token signing key for topic.
func (a *apiClient) StoreTokenKey(ctx context.Context, topic, keyID, teamID string, keyPEM []byte) error {
	v := url.Values{}
	v.Set("topic", topic)
	v.Set("key_id", keyID)
	v.Set("team_id", teamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.urlCredential+"?"+v.Encode(), bytes.NewReader(keyPEM))
	if err != nil {
		return err
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return httpErrors(resp)
}

// Push sends payload to tokens of topic and returns the API result and HTTP status.
func (a *apiClient) Push(ctx context.Context, topic string, tokens []string, payload []byte, query url.Values) (*api.APIResult, int, error) {
	u := a.urlPush + topic + "/" + strings.Join(tokens, ",")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}

	resp, err := a.doer.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	r := new(api.APIResult)
	if err = json.NewDecoder(resp.Body).Decode(r); err != nil {
		return nil, resp.StatusCode, err
	}
	return r, resp.StatusCode, nil
}
